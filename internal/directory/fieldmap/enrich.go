package fieldmap

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Lookup-backed remote fields. They are not part of the directory user
// record and cost one request each.
const (
	FieldManager = "manager"
	FieldGroups  = "groups"
	FieldTeams   = "teams"
)

// Fetcher resolves the lookup-backed fields for one remote user.
type Fetcher interface {
	ManagerName(ctx context.Context, remoteID string) (string, error)
	GroupNames(ctx context.Context, remoteID string) ([]string, error)
	TeamNames(ctx context.Context, remoteID string) ([]string, error)
}

// Enrich returns attrs plus any lookup-backed field the map references.
// Fields the map does not reference are never fetched. Lists are joined
// with commas.
func Enrich(ctx context.Context, m Map, remoteID string, f Fetcher, attrs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(attrs)+3)
	for k, v := range attrs {
		out[k] = v
	}
	if f == nil {
		return out, nil
	}

	var mu sync.Mutex
	set := func(k, v string) {
		mu.Lock()
		out[k] = v
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if m.References(FieldManager) {
		g.Go(func() error {
			name, err := f.ManagerName(gctx, remoteID)
			if err != nil {
				return err
			}
			set(FieldManager, name)
			return nil
		})
	}
	if m.References(FieldGroups) {
		g.Go(func() error {
			names, err := f.GroupNames(gctx, remoteID)
			if err != nil {
				return err
			}
			set(FieldGroups, strings.Join(names, ","))
			return nil
		})
	}
	if m.References(FieldTeams) {
		g.Go(func() error {
			names, err := f.TeamNames(gctx, remoteID)
			if err != nil {
				return err
			}
			set(FieldTeams, strings.Join(names, ","))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return attrs, err
	}
	return out, nil
}
