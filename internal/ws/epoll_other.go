//go:build !linux

package ws

// Epoll is a placeholder on platforms without epoll; every connection gets
// its own reader goroutine instead.
type Epoll struct{}

// NewEpoll returns the no-op poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{}, nil
}

// Close is a no-op.
func (e *Epoll) Close() error {
	return nil
}

func (s *Server) watch(c *Connection) error {
	go func() {
		for s.handleConn(c.Conn) {
		}
	}()
	return nil
}

func (s *Server) unwatch(*Connection) {}

func (s *Server) runEventLoop() {}
