package recorder

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/trace"
)

type contextKey struct{}

// WithTraceID returns a context that carries a trace ID. Observers use it to
// find the trace to record to.
func WithTraceID(ctx context.Context, id trace.ID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// TraceIDFromContext returns the trace ID in the context, if any
func TraceIDFromContext(ctx context.Context) (trace.ID, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(contextKey{}).(trace.ID)
	return id, ok && id != ""
}

// staticContext collects the parts of the execution context that do not
// change while the process runs
func staticContext(conf config.Config, components []string) trace.Context {
	c := trace.Context{
		AppVersion: conf.Version,
		GoVersion:  runtime.Version(),
		Config: map[string]any{
			"enabled":        conf.Enabled,
			"mode":           string(conf.Mode),
			"sample_rate":    conf.SampleRate,
			"environment":    conf.Environment,
			"storage":        conf.Storage.Type,
			"async_storage":  conf.AsyncStorage,
			"queue":          conf.Queue.Type,
			"scrub_enabled":  conf.ScrubEnabled,
			"retention_days": conf.RetentionDays,
		},
		Components: components,
		BuildInfo:  map[string]string{},
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		c.BuildInfo["path"] = bi.Path
		c.BuildInfo["module_version"] = bi.Main.Version
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				c.GitCommit = s.Value
			case "vcs.time", "vcs.modified", "GOOS", "GOARCH":
				c.BuildInfo[s.Key] = s.Value
			}
		}
		if c.AppVersion == "" && bi.Main.Version != "(devel)" {
			c.AppVersion = bi.Main.Version
		}
	}
	commit, branch := readGitHead(".")
	if c.GitCommit == "" {
		c.GitCommit = commit
	}
	c.GitBranch = branch
	return c
}

// readGitHead reads the current commit and branch from a .git directory in
// dir or one of its parents. Both are empty if not found.
func readGitHead(dir string) (commit, branch string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", ""
	}
	for {
		gitDir := filepath.Join(abs, ".git")
		head, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
		if err == nil {
			ref, isRef := strings.CutPrefix(strings.TrimSpace(string(head)), "ref: ")
			if !isRef {
				return ref, "" // detached
			}
			branch = strings.TrimPrefix(ref, "refs/heads/")
			data, err := os.ReadFile(filepath.Join(gitDir, filepath.FromSlash(ref)))
			if err == nil {
				commit = strings.TrimSpace(string(data))
			}
			return commit, branch
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", ""
		}
		abs = parent
	}
}

// executionContext returns the execution context for a bundle. The
// configured environment variables are read at call time and redacted.
func (r *Recorder) executionContext() trace.Context {
	c := r.static
	c.Config = copyMap(r.static.Config)
	env := make(map[string]any, len(r.conf.Capture.EnvVars))
	for _, name := range r.conf.Capture.EnvVars {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		} else {
			env[name] = nil
		}
	}
	c.EnvVars = r.redactor.ScrubFields(env)
	return c
}

func copyMap(m map[string]any) map[string]any {
	res := make(map[string]any, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
