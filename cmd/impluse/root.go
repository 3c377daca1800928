// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/boredzo/impluse-hfs/internal/textencoding"
)

var (
	flagEncoding string
	flagVerbose  bool
	flagConfig   string
)

var rootCmd = &cobra.Command{
	Use:   "impluse",
	Short: "Convert, inspect, and archive classic Macintosh HFS volumes",
	Long: `impluse converts an HFS ("Macintosh Standard") volume image into an
HFS Plus ("Macintosh Extended") volume image, and provides the supporting
operations around it: listing an HFS
volume's catalog, analyzing its structures for consistency, extracting
individual items, and archiving a host directory tree into a fresh HFS+
volume.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return bindConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEncoding, "encoding", "MacRoman", "source text encoding, by name or script-code number")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable diagnostic logging")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: $HOME/.impluse.yaml)")
}

// bindConfig wires viper to the persistent flags and an optional config
// file, the way deploymenttheory/go-apfs's cmd package binds --config for
// env/file-driven defaults without inventing its own flag-parsing layer.
func bindConfig(cmd *cobra.Command) error {
	v := viper.New()
	if flagConfig != "" {
		v.SetConfigFile(flagConfig)
	} else {
		v.SetConfigName(".impluse")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	v.SetEnvPrefix("IMPLUSE")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return fmt.Errorf("impluse: reading config: %w", err)
		}
	}
	if !cmd.Flags().Changed("encoding") {
		if e := v.GetString("encoding"); e != "" {
			flagEncoding = e
		}
	}
	if !cmd.Flags().Changed("verbose") {
		flagVerbose = v.GetBool("verbose")
	}
	return nil
}

// Execute runs the root command, exiting non-zero with a rendered error
// chain on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "impluse: %v\n", err)
		os.Exit(1)
	}
}

// newLogger returns a logger that discards output unless --verbose raised
// it to stderr: diagnostics are written only when asked for, not gated
// behind a logging framework's level machinery.
func newLogger() *log.Logger {
	w := io.Discard
	if flagVerbose {
		w = os.Stderr
	}
	return log.New(w, "impluse: ", log.Ltime)
}

// scriptCode parses --encoding's name-or-number argument into a
// textencoding.ScriptCode: a bare integer is taken as the script
// code directly, otherwise it is matched case-insensitively against the
// names this converter recognizes.
func scriptCode(s string) (textencoding.ScriptCode, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return textencoding.ScriptCode(n), nil
	}
	switch strings.ToLower(s) {
	case "macroman", "roman", "":
		return textencoding.MacRoman, nil
	case "macjapanese", "japanese":
		return textencoding.MacJapanese, nil
	case "maccyrillic", "cyrillic":
		return textencoding.MacCyrillic, nil
	case "maccentraleurroman", "centraleuropean":
		return textencoding.MacCentralEurRoman, nil
	case "macicelandic", "icelandic":
		return textencoding.MacIcelandic, nil
	default:
		return 0, fmt.Errorf("impluse: unrecognized --encoding %q", s)
	}
}

// openDisk opens path for reading, the common first step of analyze,
// list, extract, and convert.
func openDisk(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("impluse: opening %s: %w", path, err)
	}
	return f, nil
}
