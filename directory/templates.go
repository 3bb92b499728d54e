package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/sessionsync-go/internal/logctx"
	"github.com/ggoodman/sessionsync-go/session"
	"gopkg.in/yaml.v3"
)

const defaultHopperTimeout = time.Minute

// Template holds the defaults applied when a session of that template is
// created.
type Template struct {
	Name      string                      `yaml:"name"`
	Constants session.Constants           `yaml:"constants"`
	RoleTypes map[string]session.RoleType `yaml:"roleTypes"`
}

// Hopper is a matchmaking queue. Tickets are grouped until MatchSize users
// are waiting and then placed into a new session of GameTemplate.
type Hopper struct {
	Name         string        `yaml:"name"`
	GameTemplate string        `yaml:"gameTemplate"`
	MatchSize    int           `yaml:"matchSize"`
	Timeout      time.Duration `yaml:"timeout"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
	Hoppers   []Hopper   `yaml:"hoppers"`
}

type catalog struct {
	templates map[string]Template
	hoppers   map[string]Hopper
}

// Templates is a hot-swappable catalog of session templates and hoppers.
type Templates struct {
	path string
	log  *slog.Logger
	cur  atomic.Pointer[catalog]
}

// ParseTemplates builds a catalog from YAML.
func ParseTemplates(data []byte) (*Templates, error) {
	c, err := parseCatalog(data)
	if err != nil {
		return nil, err
	}
	t := &Templates{log: logctx.New(nil)}
	t.cur.Store(c)
	return t, nil
}

// LoadTemplates reads a catalog from path. Call Watch to pick up edits.
func LoadTemplates(path string, log *slog.Logger) (*Templates, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	t := &Templates{path: abs, log: logctx.New(log)}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseCatalog(data []byte) (*catalog, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	c := &catalog{templates: map[string]Template{}, hoppers: map[string]Hopper{}}
	for _, tmpl := range f.Templates {
		if tmpl.Name == "" {
			return nil, errors.New("template without a name")
		}
		if _, dup := c.templates[tmpl.Name]; dup {
			return nil, fmt.Errorf("duplicate template %q", tmpl.Name)
		}
		if tmpl.Constants.MaxMembers != nil && *tmpl.Constants.MaxMembers < 1 {
			return nil, fmt.Errorf("template %q: maxMembersCount must be positive", tmpl.Name)
		}
		c.templates[tmpl.Name] = tmpl
	}
	for _, h := range f.Hoppers {
		if h.Name == "" {
			return nil, errors.New("hopper without a name")
		}
		if _, dup := c.hoppers[h.Name]; dup {
			return nil, fmt.Errorf("duplicate hopper %q", h.Name)
		}
		if h.MatchSize < 1 {
			return nil, fmt.Errorf("hopper %q: matchSize must be positive", h.Name)
		}
		gt, ok := c.templates[h.GameTemplate]
		if !ok {
			return nil, fmt.Errorf("hopper %q: unknown game template %q", h.Name, h.GameTemplate)
		}
		if gt.Constants.MaxMembers != nil && *gt.Constants.MaxMembers < h.MatchSize {
			return nil, fmt.Errorf("hopper %q: game template %q holds fewer than %d members", h.Name, h.GameTemplate, h.MatchSize)
		}
		if h.Timeout <= 0 {
			h.Timeout = defaultHopperTimeout
		}
		c.hoppers[h.Name] = h
	}
	return c, nil
}

// Template returns the named template.
func (t *Templates) Template(name string) (Template, bool) {
	tmpl, ok := t.cur.Load().templates[name]
	return tmpl, ok
}

// Hopper returns the named hopper.
func (t *Templates) Hopper(name string) (Hopper, bool) {
	h, ok := t.cur.Load().hoppers[name]
	return h, ok
}

// Reload re-reads the backing file. On error the previous catalog stays
// active.
func (t *Templates) Reload() error {
	if t.path == "" {
		return errors.New("templates were not loaded from a file")
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read templates: %w", err)
	}
	c, err := parseCatalog(data)
	if err != nil {
		return err
	}
	t.cur.Store(c)
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so that editors that replace the file
// atomically are handled.
func (t *Templates) Watch(ctx context.Context) error {
	if t.path == "" {
		return errors.New("templates were not loaded from a file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify unavailable: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(t.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(t.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != t.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := t.Reload(); err != nil {
				t.log.WarnContext(ctx, "templates.reload.fail", slog.String("path", t.path), slog.String("err", err.Error()))
				continue
			}
			t.log.InfoContext(ctx, "templates.reload", slog.String("path", t.path))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			t.log.DebugContext(ctx, "templates.watch.error", slog.String("err", err.Error()))
		}
	}
}
