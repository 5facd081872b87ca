package handshake

import (
	"encoding/json"
	"time"

	"github.com/joshlacal/mlscore/userid"
)

// wireRequest and wireAck mirror the self-describing structured text
// format spec.md §6 requires: userDID, token, and an epoch-seconds float
// timestamp field, named per-record.
type wireRequest struct {
	UserDID   string  `json:"userDID"`
	Token     uint64  `json:"token"`
	CreatedAt float64 `json:"createdAt"`
}

type wireAck struct {
	UserDID        string  `json:"userDID"`
	Token          uint64  `json:"token"`
	AcknowledgedAt float64 `json:"acknowledgedAt"`
}

func encodeRequest(r Request) (string, error) {
	b, err := json.Marshal(wireRequest{
		UserDID:   r.User.String(),
		Token:     r.Token,
		CreatedAt: float64(r.CreatedAt.UnixNano()) / 1e9,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRequest(raw string) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Request{}, err
	}
	return Request{
		User:      userid.ID(w.UserDID),
		Token:     w.Token,
		CreatedAt: epochSecondsToTime(w.CreatedAt),
	}, nil
}

func encodeAck(a Ack) (string, error) {
	b, err := json.Marshal(wireAck{
		UserDID:        a.User.String(),
		Token:          a.Token,
		AcknowledgedAt: float64(a.AcknowledgedAt.UnixNano()) / 1e9,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeAck(raw string) (Ack, error) {
	var w wireAck
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Ack{}, err
	}
	return Ack{
		User:           userid.ID(w.UserDID),
		Token:          w.Token,
		AcknowledgedAt: epochSecondsToTime(w.AcknowledgedAt),
	}, nil
}

func epochSecondsToTime(s float64) time.Time {
	sec := int64(s)
	nsec := int64((s - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
