package paramserver

import "net"

// connRegistry tracks open worker connections so GET_NUM_CONNS and the
// max-connections cap have something to read. It follows a hub pattern
// for connection bookkeeping: registration
// and unregistration flow through channels into one goroutine that owns
// the client set, rather than a directly-shared map guarded by a mutex.
type connRegistry struct {
	register   chan net.Conn
	unregister chan net.Conn
	countReq   chan chan int
	closeReq   chan struct{}
}

func newConnRegistry() *connRegistry {
	r := &connRegistry{
		register:   make(chan net.Conn),
		unregister: make(chan net.Conn),
		countReq:   make(chan chan int),
		closeReq:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *connRegistry) run() {
	clients := make(map[net.Conn]bool)
	for {
		select {
		case c := <-r.register:
			clients[c] = true
		case c := <-r.unregister:
			delete(clients, c)
		case reply := <-r.countReq:
			reply <- len(clients)
		case <-r.closeReq:
			for c := range clients {
				c.Close()
			}
			return
		}
	}
}

func (r *connRegistry) registerConn(c net.Conn) { r.register <- c }

func (r *connRegistry) unregisterConn(c net.Conn) { r.unregister <- c }

func (r *connRegistry) count() int {
	reply := make(chan int, 1)
	r.countReq <- reply
	return <-reply
}

func (r *connRegistry) closeAll() {
	close(r.closeReq)
}
