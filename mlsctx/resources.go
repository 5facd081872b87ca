package mlsctx

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/joshlacal/mlscore/kvstore"
	"github.com/joshlacal/mlscore/lockfile"
	"github.com/joshlacal/mlscore/userid"
	"github.com/joshlacal/mlscore/version"
)

// userResources bundles the per-user advisory lock and state-version
// facade that every exclusive operation for that user shares. Per
// spec.md §6, the lock file lives one-per-user under the shared
// container; this registry lazily opens one the first time a user is
// touched and keeps it for the lifetime of the process.
type userResources struct {
	lock       *lockfile.Lock
	versionMgr *version.Manager
}

type resourceRegistry struct {
	kv        kvstore.Store
	lockDir   string
	onChange  func(user userid.ID, newVersion int64)
	mu        sync.Mutex
	resources map[userid.ID]*userResources
}

func newResourceRegistry(kv kvstore.Store, lockDir string, onChange func(user userid.ID, newVersion int64)) *resourceRegistry {
	return &resourceRegistry{
		kv:        kv,
		lockDir:   lockDir,
		onChange:  onChange,
		resources: make(map[userid.ID]*userResources),
	}
}

func (r *resourceRegistry) get(user userid.ID) (*userResources, error) {
	norm := userid.Normalize(user.String())

	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.resources[norm]; ok {
		return res, nil
	}

	path := filepath.Join(r.lockDir, fmt.Sprintf("%s.lock", user.StoragePathKey()))
	lock, err := lockfile.Open(path)
	if err != nil {
		return nil, err
	}

	res := &userResources{
		lock:       lock,
		versionMgr: version.New(r.kv, lock, r.onChange),
	}
	r.resources[norm] = res
	return res, nil
}

func (r *resourceRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.resources {
		_ = res.lock.Close()
	}
	r.resources = make(map[userid.ID]*userResources)
}
