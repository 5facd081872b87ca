package handshake

import "github.com/joshlacal/mlscore/userid"

// Handler decides whether user's readers have been released in response to
// a quiesce Request. Returning true acknowledges the request's token;
// returning false leaves it pending (e.g. the handler could not quiesce in
// time, or chose not to).
type Handler func(Request) bool

// ProcessWillCloseRequests implements the foreground process's reaction to
// an nse_will_close doorbell ring, per spec.md §4.4:
//
//  1. Read all pending requests.
//  2. Coalesce per user to the request with the highest token.
//  3. Skip any whose token is already covered by the current ack.
//  4. Invoke handler.
//  5. On true, acknowledge the token and ring app_acknowledged.
func ProcessWillCloseRequests(store *Store, doorbell *Doorbell, handler Handler) error {
	requests, err := store.AllRequests()
	if err != nil {
		return err
	}

	highest := coalesceHighestPerUser(requests)

	for user, req := range highest {
		covered, err := store.IsAcknowledged(user, req.Token)
		if err != nil {
			return err
		}
		if covered {
			continue
		}

		if !handler(req) {
			continue
		}

		if err := store.Acknowledge(user, req.Token); err != nil {
			return err
		}
		if doorbell != nil {
			_ = doorbell.Ring(ChannelAppAcknowledged)
		}
	}

	return nil
}

func coalesceHighestPerUser(requests []Request) map[userid.ID]Request {
	highest := make(map[userid.ID]Request, len(requests))
	for _, req := range requests {
		if existing, ok := highest[req.User]; !ok || req.Token > existing.Token {
			highest[req.User] = req
		}
	}
	return highest
}
