package resolve

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/audun/patchsilence/internal/model"
	"github.com/audun/patchsilence/internal/virt"
)

// HostLookuper resolves a hostname to addresses. *net.Resolver satisfies it.
type HostLookuper interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// GuestSession is the slice of a virtualization session the resolver needs.
type GuestSession interface {
	GuestIP(ctx context.Context, name string) (string, error)
	GuestHostname(ctx context.Context, name string) (string, error)
	Close(ctx context.Context) error
}

// SessionOpener opens guest sessions on virtualization hosts.
type SessionOpener interface {
	Open(ctx context.Context, vhost string) (GuestSession, error)
}

type virtOpener struct {
	client *virt.Client
}

func (o virtOpener) Open(ctx context.Context, vhost string) (GuestSession, error) {
	sess, err := o.client.Open(ctx, vhost)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// NewVirtOpener adapts a virt client to the SessionOpener interface.
func NewVirtOpener(client *virt.Client) SessionOpener {
	return virtOpener{client: client}
}

// Resolver turns a group member into the address and hostname the rest of
// the pipeline works with.
type Resolver struct {
	opener  SessionOpener
	dns     HostLookuper
	timeout time.Duration
	logger  zerolog.Logger
}

// NewResolver creates a resolver. A nil dns falls back to the system
// resolver. The timeout bounds each DNS lookup; the virtualization client
// carries its own.
func NewResolver(opener SessionOpener, dns HostLookuper, timeout time.Duration, logger zerolog.Logger) *Resolver {
	if dns == nil {
		dns = net.DefaultResolver
	}
	return &Resolver{
		opener:  opener,
		dns:     dns,
		timeout: timeout,
		logger:  logger.With().Str("component", "resolve").Logger(),
	}
}

// Resolve finds the member's IP address and hostname. Virtualized members
// are asked through their virtualization host; physical members through DNS.
// A guest that reports no address resolves to an empty IP without an error:
// downstream treats it as not monitored.
func (r *Resolver) Resolve(ctx context.Context, m model.GroupMember) (model.ResolvedHost, error) {
	if m.Virtualized() {
		return r.resolveGuest(ctx, m)
	}
	return r.resolvePhysical(ctx, m)
}

func (r *Resolver) resolveGuest(ctx context.Context, m model.GroupMember) (model.ResolvedHost, error) {
	sess, err := r.opener.Open(ctx, m.VirtHost)
	if err != nil {
		return model.ResolvedHost{}, fmt.Errorf("open session on %s: %w", m.VirtHost, err)
	}
	defer func() {
		if err := sess.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Str("vhost", m.VirtHost).Msg("session close failed")
		}
	}()

	ip, err := sess.GuestIP(ctx, m.Identity)
	if err != nil {
		return model.ResolvedHost{}, fmt.Errorf("guest ip for %s: %w", m.Identity, err)
	}
	hostname, err := sess.GuestHostname(ctx, m.Identity)
	if err != nil {
		return model.ResolvedHost{}, fmt.Errorf("guest hostname for %s: %w", m.Identity, err)
	}

	if ip == "" {
		r.logger.Warn().
			Str("guest", m.Identity).
			Str("vhost", m.VirtHost).
			Msg("guest reports no address")
	}
	return model.ResolvedHost{IPAddress: ip, Hostname: hostname}, nil
}

func (r *Resolver) resolvePhysical(ctx context.Context, m model.GroupMember) (model.ResolvedHost, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	addrs, err := r.dns.LookupHost(ctx, m.Identity)
	if err != nil {
		return model.ResolvedHost{}, fmt.Errorf("lookup %s: %w", m.Identity, err)
	}
	if len(addrs) == 0 {
		return model.ResolvedHost{}, fmt.Errorf("lookup %s: no addresses", m.Identity)
	}
	return model.ResolvedHost{IPAddress: addrs[0], Hostname: m.Identity}, nil
}
