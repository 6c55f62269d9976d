package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/lifeguard-sh/lifeguard/internal/pool"
	"github.com/lifeguard-sh/lifeguard/internal/resource"
)

// Postgres manages a control connection to a postgres server and dials
// pooled connections on demand.
type Postgres struct {
	dsn string

	mu   sync.Mutex
	conn *pgx.Conn
}

// NewPostgres constructs a postgres backend for the given DSN.
func NewPostgres(dsn string) *Postgres {
	return &Postgres{dsn: dsn}
}

// Initialize validates the DSN without touching the network.
func (p *Postgres) Initialize(_ context.Context) error {
	if _, err := pgx.ParseConfig(p.dsn); err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	return nil
}

// Connect establishes the control connection.
func (p *Postgres) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return nil
}

// Disconnect closes the control connection.
func (p *Postgres) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}

// Cleanup closes the control connection if one is still open.
func (p *Postgres) Cleanup(ctx context.Context) error {
	return p.Disconnect(ctx)
}

// CheckHealth pings the server over the control connection.
func (p *Postgres) CheckHealth(ctx context.Context) (resource.Report, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return resource.Report{}, fmt.Errorf("postgres: not connected")
	}
	if err := conn.Ping(ctx); err != nil {
		return resource.Report{}, err
	}
	return resource.Report{Health: resource.HealthHealthy, Detail: "ping ok"}, nil
}

// Dial returns a pool.DialFunc that opens fresh connections for the pool.
func (p *Postgres) Dial() pool.DialFunc {
	return func(ctx context.Context) (pool.Conn, error) {
		conn, err := pgx.Connect(ctx, p.dsn)
		if err != nil {
			return nil, err
		}
		return &pgxConn{conn: conn}, nil
	}
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
