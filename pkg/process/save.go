// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	yaml "gopkg.in/yaml.v2"
)

// SaveConfig writes the current flag values as a YAML config file, with
// overrides taking precedence. Only non-default values and overrides are
// written, so a fresh setup stays minimal.
func SaveConfig(flags *pflag.FlagSet, outfile string, overrides map[string]interface{}) error {
	settings := map[string]interface{}{}
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "help" {
			return
		}
		if f.Changed && f.Value.String() != f.DefValue {
			settings[f.Name] = f.Value.String()
		}
	})
	for key, value := range overrides {
		settings[key] = value
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(outfile), 0700); err != nil {
		return Error.Wrap(err)
	}
	return atomicWrite(outfile, 0600, data)
}

func atomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(outfile), filepath.Base(outfile))
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close(), os.Remove(fh.Name()))
		}
	}()
	if _, err := fh.Write(data); err != nil {
		return Error.Wrap(err)
	}
	if err := fh.Chmod(mode); err != nil {
		return Error.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return Error.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(fh.Name(), outfile))
}
