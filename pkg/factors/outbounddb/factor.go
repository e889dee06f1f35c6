// Package outbounddb lets guests open relational database connections to
// destinations the allow-list admits. Postgres and MySQL are separate
// factors with separate host modules but share the connection machinery and
// the value conversion rules.
package outbounddb

import (
	"context"
	"database/sql"
	"fmt"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/factors/networking"
	"github.com/spindle-run/spindle/pkg/factors/resource"
	"github.com/spindle-run/spindle/pkg/outbound"
)

// Flavor selects the database protocol a factor instance speaks.
type Flavor struct {
	// FactorName is the registry name.
	FactorName string
	// Scheme is the allow-list scheme and address scheme ("postgres",
	// "mysql").
	Scheme string
	// DriverName is the database/sql driver.
	DriverName string
	// HostModule is the guest-facing host module name.
	HostModule string
}

var (
	postgresFlavor = Flavor{
		FactorName: "outbound-pg",
		Scheme:     "postgres",
		DriverName: "postgres",
		HostModule: "spin_postgres",
	}
	mysqlFlavor = Flavor{
		FactorName: "outbound-mysql",
		Scheme:     "mysql",
		DriverName: "mysql",
		HostModule: "spin_mysql",
	}
)

// NewPostgres creates the outbound Postgres factor.
func NewPostgres() *Factor { return &Factor{flavor: postgresFlavor} }

// NewMySQL creates the outbound MySQL factor.
func NewMySQL() *Factor { return &Factor{flavor: mysqlFlavor} }

// Factor is an outbound database capability factor.
type Factor struct {
	flavor Flavor

	// TableCapacity bounds open connections per instance.
	TableCapacity int
}

// Name implements factors.Factor.
func (f *Factor) Name() string { return f.flavor.FactorName }

// Init implements factors.Factor.
func (f *Factor) Init(ctx context.Context, ic factors.InitContext) error {
	flavor := f.flavor
	return ic.Engine.RegisterHostModule(ctx, flavor.HostModule, func(b hostModuleBuilder) {
		registerHost(b, flavor)
	})
}

// ConfigureApp implements factors.Factor.
func (f *Factor) ConfigureApp(_ context.Context, _ factors.ConfigureContext) (factors.AppState, error) {
	return nil, nil
}

// Prepare implements factors.Factor.
func (f *Factor) Prepare(_ context.Context, pc factors.PrepareContext) (factors.InstanceBuilder, error) {
	sibling, ok := pc.Builder(networking.FactorName)
	if !ok {
		return nil, fmt.Errorf("%s requires the networking factor", f.flavor.FactorName)
	}
	nb, ok := sibling.(*networking.Builder)
	if !ok {
		return nil, fmt.Errorf("unexpected networking builder type %T", sibling)
	}
	return &Builder{
		flavor:   f.flavor,
		hosts:    nb.AllowedHostsFuture(),
		blocked:  nb.BlockedNetworks(),
		capacity: f.TableCapacity,
	}, nil
}

// Builder assembles the per-instance database state.
type Builder struct {
	flavor   Flavor
	hosts    func() (*outbound.AllowedHosts, error)
	blocked  outbound.BlockedNetworks
	capacity int
}

// Build implements factors.InstanceBuilder.
func (b *Builder) Build() (factors.InstanceSlice, error) {
	return &Instance{
		flavor:      b.flavor,
		hosts:       b.hosts,
		blocked:     b.blocked,
		connections: resource.NewTable[*sql.DB](b.capacity),
	}, nil
}

// Instance is the per-event database state host functions operate on.
type Instance struct {
	flavor      Flavor
	hosts       func() (*outbound.AllowedHosts, error)
	blocked     outbound.BlockedNetworks
	connections *resource.Table[*sql.DB]
}

// Open checks the address against the allow-list, dials the database and
// returns a connection handle.
func (i *Instance) Open(ctx context.Context, address string) (uint32, error) {
	parsed, err := outbound.ParseOutboundURLWithScheme(address, i.flavor.Scheme)
	if err != nil {
		return 0, &dbError{code: codeInvalidAddress, detail: address}
	}
	hosts, err := i.hosts()
	if err != nil {
		return 0, &dbError{code: codeOther, detail: err.Error()}
	}
	if !hosts.Allows(parsed) {
		return 0, &dbError{
			code:   codeDestinationNotAllowed,
			detail: fmt.Sprintf("destination %s://%s is not in allowed_outbound_hosts", parsed.Scheme, parsed.Host),
		}
	}
	if err := i.blocked.CheckHost(ctx, parsed.Host); err != nil {
		return 0, &dbError{code: codeDestinationNotAllowed, detail: err.Error()}
	}

	db, err := sql.Open(i.flavor.DriverName, address)
	if err != nil {
		return 0, &dbError{code: codeConnectionFailed, detail: err.Error()}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return 0, &dbError{code: codeConnectionFailed, detail: err.Error()}
	}
	handle, err := i.connections.Push(db)
	if err != nil {
		_ = db.Close()
		return 0, &dbError{code: codeConnectionTableFull, detail: address}
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

// CloseConnection closes a connection and relinquishes its handle.
func (i *Instance) CloseConnection(handle uint32) error {
	db, ok := i.connections.Remove(handle)
	if !ok {
		return &dbError{code: codeInvalidConnection, detail: fmt.Sprintf("handle %d", handle)}
	}
	return db.Close()
}

// Close implements factors.Closer.
func (i *Instance) Close(context.Context) error {
	for _, db := range i.connections.Drain() {
		_ = db.Close()
	}
	return nil
}

func instanceFromContext(ctx context.Context, flavor Flavor) (*Instance, error) {
	state := factors.InstanceFromContext(ctx)
	if state == nil {
		return nil, fmt.Errorf("no instance in context")
	}
	return factors.GetSlice[*Instance](state, flavor.FactorName)
}
