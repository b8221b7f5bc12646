package dimse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after Close
var ErrPoolClosed = errors.New("dimse: connection pool closed")

// ConnectionPool manages a pool of DICOM associations. At most MaxPoolSize
// associations are checked out at once; further callers wait.
type ConnectionPool struct {
	config        AssociationConfig
	maxSize       int
	maxIdleTime   time.Duration
	connections   []*Association
	slots         chan struct{}
	mu            sync.Mutex
	closed        bool
	cleanupTicker *time.Ticker
	done          chan struct{}
}

// PoolConfig holds configuration for connection pool
type PoolConfig struct {
	AssociationConfig
	MaxPoolSize int
	MaxIdleTime time.Duration
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(config PoolConfig) *ConnectionPool {
	if config.MaxPoolSize <= 0 {
		config.MaxPoolSize = 5
	}
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = 5 * time.Minute
	}

	pool := &ConnectionPool{
		config:        config.AssociationConfig,
		maxSize:       config.MaxPoolSize,
		maxIdleTime:   config.MaxIdleTime,
		connections:   make([]*Association, 0, config.MaxPoolSize),
		slots:         make(chan struct{}, config.MaxPoolSize),
		cleanupTicker: time.NewTicker(time.Minute),
		done:          make(chan struct{}),
	}

	go pool.cleanup()

	return pool
}

// Get checks out an association, reusing an idle one when possible. Every
// successful Get must be matched by a Put.
func (p *ConnectionPool) Get(ctx context.Context) (*Association, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	for len(p.connections) > 0 {
		last := len(p.connections) - 1
		conn := p.connections[last]
		p.connections = p.connections[:last]
		if conn.IsConnected() {
			p.mu.Unlock()
			return conn, nil
		}
	}
	p.mu.Unlock()

	conn := NewAssociation(p.config)
	if err := conn.Connect(ctx); err != nil {
		<-p.slots
		return nil, fmt.Errorf("failed to create new connection: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Broken associations are dropped.
func (p *ConnectionPool) Put(conn *Association) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !conn.IsConnected() || len(p.connections) >= p.maxSize {
		_ = conn.Close()
		return
	}

	conn.UpdateLastUsed()
	p.connections = append(p.connections, conn)
}

// Do runs fn on a pooled association
func (p *ConnectionPool) Do(ctx context.Context, fn func(*Association) error) error {
	conn, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Close closes all connections and stops the pool
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.connections
	p.connections = nil
	p.mu.Unlock()

	close(p.done)
	p.cleanupTicker.Stop()

	var errs []error
	for _, conn := range idle {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cleanup periodically removes idle connections
func (p *ConnectionPool) cleanup() {
	for {
		select {
		case <-p.cleanupTicker.C:
			p.removeIdleConnections()
		case <-p.done:
			return
		}
	}
}

// removeIdleConnections removes connections that have been idle too long
func (p *ConnectionPool) removeIdleConnections() {
	p.mu.Lock()
	now := time.Now()
	active := make([]*Association, 0, len(p.connections))
	var stale []*Association
	for _, conn := range p.connections {
		if now.Sub(conn.GetLastUsed()) > p.maxIdleTime || !conn.IsConnected() {
			stale = append(stale, conn)
		} else {
			active = append(active, conn)
		}
	}
	p.connections = active
	p.mu.Unlock()

	for _, conn := range stale {
		_ = conn.Close()
	}
}

// Stats returns pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		IdleConnections: len(p.connections),
		InUse:           len(p.slots),
		MaxSize:         p.maxSize,
	}
}

// PoolStats holds pool statistics
type PoolStats struct {
	IdleConnections int
	InUse           int
	MaxSize         int
}
