// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package process

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultConfigPath returns the config file location for the named service.
func DefaultConfigPath(name string) string {
	if name == "" {
		name = filepath.Base(os.Args[0])
	}
	path := filepath.Join(".muskie", name+".yaml")
	home, err := homedir.Dir()
	if err != nil {
		log.Println(err)
		return path
	}
	return filepath.Join(home, path)
}

// Exec runs a root cobra command with the shared process configuration: a
// --config flag, MUSKIE_* environment overrides, and config file values
// applied to every flag not set on the command line.
func Exec(cmd *cobra.Command) {
	cfgFile := cmd.PersistentFlags().String("config", DefaultConfigPath(cmd.Name()), "config file")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		vip := viper.New()
		if err := vip.BindPFlags(cmd.Flags()); err != nil {
			log.Println(err)
		}
		vip.SetEnvPrefix("muskie")
		vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		vip.AutomaticEnv()
		if *cfgFile != "" {
			vip.SetConfigFile(*cfgFile)
			// a missing config file is fine; flags and env still apply
			_ = vip.ReadInConfig()
		}
		applySettings(cmd.Flags(), vip)
	})

	Must(cmd.Execute())
}

// applySettings copies viper values onto flags the user did not set.
func applySettings(flags *pflag.FlagSet, vip *viper.Viper) {
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !vip.IsSet(f.Name) {
			return
		}
		if err := f.Value.Set(vip.GetString(f.Name)); err != nil {
			log.Printf("invalid config value for %s: %v", f.Name, err)
		}
	})
}

// Ctx returns a context canceled by SIGINT or SIGTERM.
func Ctx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Must exits on error.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
