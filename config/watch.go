package config

import (
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/wippyai/wasm-agent/errors"
)

// Callback receives a reloaded file, or the error that prevented the
// reload.
type Callback func(f *File, err error)

// Unwatch stops watching and waits for the watcher to exit.
type Unwatch func() error

// Watch loads path and calls cb whenever it changes. Agents keep the
// configuration they were created with; cb decides what to rebuild.
func Watch(path string, cb Callback) (*File, Unwatch, error) {
	fp := file.Provider(path)
	k := koanf.New(".")
	if err := k.Load(fp, yaml.Parser()); err != nil {
		return nil, nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "load "+path)
	}
	f, err := unmarshal(k)
	if err != nil {
		return nil, nil, err
	}

	reload := func(_ any, err error) {
		if err != nil {
			cb(nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "watch "+path))
			return
		}
		k := koanf.New(".")
		if err := k.Load(fp, yaml.Parser()); err != nil {
			cb(nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "reload "+path))
			return
		}
		cb(unmarshal(k))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := fp.Watch(reload); err != nil {
			cb(nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "watch "+path))
		}
	}()
	return f, func() error {
		err := fp.Unwatch()
		<-done
		return err
	}, nil
}
