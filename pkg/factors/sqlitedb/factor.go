// Package sqlitedb provides guests with labeled SQLite databases gated by a
// per-component allow-list. Databases are routed to files through runtime
// configuration; the default label falls back to an in-memory database.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/factors/resource"

	// SQLite driver
	_ "modernc.org/sqlite"
)

// FactorName is the registry name of the sqlite factor.
const FactorName = "sqlite"

// AllowedDatabasesKey is the component metadata key listing permitted labels.
const AllowedDatabasesKey = "sqlite_databases"

// DefaultLabel always resolves; without runtime configuration it is served
// by a process-lifetime in-memory database.
const DefaultLabel = "default"

// Factor is the sqlite capability factor.
type Factor struct {
	// TableCapacity bounds open connection handles per instance. Zero uses
	// resource.DefaultCapacity.
	TableCapacity int

	// DefaultDatabasePath overrides the in-memory fallback for the default
	// label with a file path.
	DefaultDatabasePath string
}

// databaseConfig is one [sqlite_database.<label>] runtime config table.
type databaseConfig struct {
	Type string `toml:"type"`
	Path string `toml:"path"`
}

// pool lazily opens one database and shares it across instances.
type pool struct {
	path string // empty means in-memory

	once sync.Once
	db   *sql.DB
	err  error
}

func (p *pool) open() (*sql.DB, error) {
	p.once.Do(func() {
		dsn := p.path
		if dsn == "" {
			// Shared-cache memory database so every connection in the pool
			// observes the same data.
			dsn = "file::memory:?cache=shared"
		} else {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			p.err = err
			return
		}
		db.SetMaxOpenConns(1)
		p.db = db
	})
	return p.db, p.err
}

type appState struct {
	pools   map[string]*pool
	allowed map[string]map[string]bool
}

// Name implements factors.Factor.
func (f *Factor) Name() string { return FactorName }

// Init implements factors.Factor.
func (f *Factor) Init(ctx context.Context, ic factors.InitContext) error {
	return ic.Engine.RegisterHostModule(ctx, hostModule, registerHost)
}

// ConfigureApp implements factors.Factor.
func (f *Factor) ConfigureApp(_ context.Context, cc factors.ConfigureContext) (factors.AppState, error) {
	configs, err := factors.ConsumeRuntimeConfig[map[string]databaseConfig](cc.RuntimeConfig, "sqlite_database")
	if err != nil {
		return nil, err
	}

	pools := make(map[string]*pool)
	if configs != nil {
		for label, cfg := range *configs {
			switch cfg.Type {
			case "sqlite":
				if cfg.Path == "" {
					return nil, factors.NewConfigError(
						fmt.Sprintf("sqlite database %q: path is required", label), nil)
				}
				pools[label] = &pool{path: cfg.Path}
			case "memory":
				pools[label] = &pool{}
			default:
				return nil, factors.NewConfigError(
					fmt.Sprintf("sqlite database %q: unknown type %q", label, cfg.Type), nil)
			}
		}
	}
	if _, ok := pools[DefaultLabel]; !ok {
		pools[DefaultLabel] = &pool{path: f.DefaultDatabasePath}
	}

	allowed := make(map[string]map[string]bool)
	for _, component := range cc.App.Components() {
		labels, err := app.GetMetadata[[]string](&component, AllowedDatabasesKey)
		if err != nil {
			return nil, factors.NewConfigError(
				fmt.Sprintf("component %q: malformed %s", component.ID, AllowedDatabasesKey), err)
		}
		set := make(map[string]bool)
		if labels != nil {
			for _, label := range *labels {
				if _, ok := pools[label]; !ok {
					return nil, factors.NewConfigError(
						fmt.Sprintf("component %q allows unknown sqlite database %q", component.ID, label), nil)
				}
				set[label] = true
			}
		}
		allowed[component.ID] = set
	}

	return &appState{pools: pools, allowed: allowed}, nil
}

// Prepare implements factors.Factor.
func (f *Factor) Prepare(_ context.Context, pc factors.PrepareContext) (factors.InstanceBuilder, error) {
	state := pc.AppState.(*appState)
	return &Builder{
		pools:    state.pools,
		allowed:  state.allowed[pc.Component.ID],
		capacity: f.TableCapacity,
	}, nil
}

// Builder assembles the per-instance sqlite state.
type Builder struct {
	pools    map[string]*pool
	allowed  map[string]bool
	capacity int
}

// Build implements factors.InstanceBuilder.
func (b *Builder) Build() (factors.InstanceSlice, error) {
	return &Instance{
		pools:       b.pools,
		allowed:     b.allowed,
		connections: resource.NewTable[*sql.DB](b.capacity),
	}, nil
}

// Instance is the per-event sqlite state host functions operate on.
type Instance struct {
	pools       map[string]*pool
	allowed     map[string]bool
	connections *resource.Table[*sql.DB]
}

// OpenConnection checks the allow-list and returns a handle onto the labeled
// database.
func (i *Instance) OpenConnection(label string) (uint32, error) {
	// The default label exists for every app but still needs a grant.
	if !i.allowed[label] {
		return 0, &dbError{code: codeAccessDenied, detail: label}
	}
	p, ok := i.pools[label]
	if !ok {
		return 0, &dbError{code: codeNoSuchDatabase, detail: label}
	}
	db, err := p.open()
	if err != nil {
		return 0, &dbError{code: codeIO, detail: err.Error()}
	}
	handle, err := i.connections.Push(db)
	if err != nil {
		return 0, &dbError{code: codeConnectionTableFull, detail: label}
	}
	return handle, nil
}

// Connection resolves a handle.
func (i *Instance) Connection(handle uint32) (*sql.DB, error) {
	db, ok := i.connections.Get(handle)
	if !ok {
		return nil, &dbError{code: codeInvalidConnection, detail: fmt.Sprintf("handle %d", handle)}
	}
	return db, nil
}

// CloseConnection relinquishes a handle. The underlying database stays open
// for other instances.
func (i *Instance) CloseConnection(handle uint32) error {
	if _, ok := i.connections.Remove(handle); !ok {
		return &dbError{code: codeInvalidConnection, detail: fmt.Sprintf("handle %d", handle)}
	}
	return nil
}

// Close implements factors.Closer.
func (i *Instance) Close(context.Context) error {
	i.connections.Drain()
	return nil
}

func instanceFromContext(ctx context.Context) (*Instance, error) {
	state := factors.InstanceFromContext(ctx)
	if state == nil {
		return nil, fmt.Errorf("no instance in context")
	}
	return factors.GetSlice[*Instance](state, FactorName)
}
