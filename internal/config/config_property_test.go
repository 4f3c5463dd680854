//go:build property

package config

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/spf13/viper"
)

func TestConfigurationProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("ports in range load, ports out of range fail", prop.ForAll(
		func(port int) bool {
			v := viper.New()
			v.Set("server.port", port)
			cfg, err := LoadFrom(v)
			if port >= 0 && port <= 65535 {
				return err == nil && cfg.Server.Port == port
			}
			return err != nil
		},
		gen.IntRange(-1000, 70000),
	))

	properties.Property("preview port range must not be inverted", prop.ForAll(
		func(start, end int) bool {
			v := viper.New()
			v.Set("preview.port_start", start)
			v.Set("preview.port_end", end)
			_, err := LoadFrom(v)
			return (err == nil) == (end >= start)
		},
		gen.IntRange(1, 65535),
		gen.IntRange(1, 65535),
	))

	properties.Property("extensions always carry a leading dot", prop.ForAll(
		func(exts []string) bool {
			v := viper.New()
			v.Set("watch.extensions", exts)
			cfg, err := LoadFrom(v)
			if err != nil {
				return false
			}
			for _, ext := range cfg.Watch.Extensions {
				if ext != "" && !strings.HasPrefix(ext, ".") {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("relative output dirs inside the project are accepted", prop.ForAll(
		func(parts []string) bool {
			var kept []string
			for _, p := range parts {
				if p != "" {
					kept = append(kept, p)
				}
			}
			if len(kept) == 0 {
				return true
			}
			v := viper.New()
			v.Set("build.output_dir", strings.Join(kept, "/"))
			_, err := LoadFrom(v)
			return err == nil
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
