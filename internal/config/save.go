package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

var lockWait = 5 * time.Second

// ErrBusy is returned when another process holds the config lock.
var ErrBusy = errors.New("config is being written by another process")

// SaveAtomic validates cfg and replaces path with it, keeping the previous
// file as path.bak. Writers are serialized through path.lock.
func SaveAtomic(path string, cfg Config) error {
	if _, v := NormalizeAndValidate(cfg); !v.OK() {
		return errors.New("config validation failed:\n- " + strings.Join(v.Errors, "\n- "))
	}

	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	lk := flock.New(path + ".lock")
	ok, err := tryLockFor(lk, lockWait)
	if err != nil {
		return fmt.Errorf("lock config: %w", err)
	}
	if !ok {
		return ErrBusy
	}
	defer lk.Unlock()

	tmp := path + ".tmp"
	bak := path + ".bak"

	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}

	_ = os.Remove(bak)
	_ = os.Rename(path, bak)

	return os.Rename(tmp, path)
}

func tryLockFor(lk *flock.Flock, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := lk.TryLock()
		if err != nil || ok {
			return ok, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}
