package backup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fakeStore is an in-memory remoteStore
type fakeStore struct {
	mu        sync.Mutex
	objects   map[string]Artifact
	putErrs   []error
	sizeDelta int64
	puts      int
	deleteErr map[string]error
	closed    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]Artifact), deleteErr: make(map[string]error)}
}

func (f *fakeStore) Put(ctx context.Context, localPath, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			return "", err
		}
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return "", err
	}
	f.objects[name] = Artifact{Name: name, CreatedAt: time.Now(), Size: info.Size(), Encrypted: isEncryptedName(name)}
	return "fake://" + name, nil
}

func (f *fakeStore) Size(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[name]
	if !ok {
		return 0, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return obj.Size + f.sizeDelta, nil
}

func (f *fakeStore) List(ctx context.Context) ([]Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Artifact, 0, len(f.objects))
	for _, a := range f.objects {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[name]; err != nil {
		return err
	}
	delete(f.objects, name)
	return nil
}

func (f *fakeStore) String() string { return "fake://store" }

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func (f *fakeStore) seed(name string, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[name] = Artifact{Name: name, CreatedAt: created, Size: 1}
}

func (f *fakeStore) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.objects {
		names = append(names, name)
	}
	return names
}

// recordingNotifier captures every outcome it receives and the state of the context it got
type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []Outcome
	ctxErrs  []error
	err      error
}

func (r *recordingNotifier) Notify(ctx context.Context, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return r.err
}

// seedArtifacts creates named files in dir with mtimes one day apart, oldest first
func seedArtifacts(dir string, names ...string) error {
	base := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range names {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(fmt.Sprintf("artifact %d", i)), 0o600); err != nil {
			return err
		}
		ts := base.Add(time.Duration(i) * 24 * time.Hour)
		if err := os.Chtimes(p, ts, ts); err != nil {
			return err
		}
	}
	return nil
}
