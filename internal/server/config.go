package server

// Config holds the settings an Acceptor needs to bind and run. Zero
// value is valid except for Addr, which must name a listen address
// ("host:port" or ":port").
type Config struct {
	// Addr is the TCP address to listen on.
	Addr string

	// Debug enables per-connection request/response logging.
	Debug bool

	// ReusePort, when true, sets SO_REUSEPORT on the listening socket
	// (via net.ListenConfig.Control) so multiple processes can share the
	// same port, matching deployments that run one icapd per CPU core
	// behind a load balancer.
	ReusePort bool
}

// Builder constructs a Config with sane defaults, mirroring the
// teacher's preference for an explicit fluent builder over a bare
// struct literal for anything with more than a couple of fields.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder for addr with Debug and ReusePort unset.
func NewBuilder(addr string) *Builder {
	return &Builder{cfg: Config{Addr: addr}}
}

func (b *Builder) WithDebug(v bool) *Builder {
	b.cfg.Debug = v
	return b
}

func (b *Builder) WithReusePort(v bool) *Builder {
	b.cfg.ReusePort = v
	return b
}

func (b *Builder) Build() Config { return b.cfg }
