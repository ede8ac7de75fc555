package controlserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/snapfan/internal/consts"
	"github.com/codefionn/snapfan/internal/logger"
)

// tcpSession is a control connection speaking newline-delimited JSON
type tcpSession struct {
	id     string
	conn   net.Conn
	server *Server

	send     chan string
	stopOnce sync.Once
	stopChan chan struct{}
}

func newTCPSession(id string, conn net.Conn, server *Server) *tcpSession {
	return &tcpSession{
		id:       id,
		conn:     conn,
		server:   server,
		send:     make(chan string, consts.SendQueueSize),
		stopChan: make(chan struct{}),
	}
}

func (c *tcpSession) ID() string { return c.id }

// Send queues text; the message is dropped when the queue is full
func (c *tcpSession) Send(text string) {
	select {
	case <-c.stopChan:
	case c.send <- text:
	default:
		logger.Warn("Control session %s send queue full, dropping message", c.id)
	}
}

func (c *tcpSession) Start() {
	go c.readPump()
	go c.writePump()
}

func (c *tcpSession) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.server.unregister(c)
		c.conn.Close()
		logger.Info("Control session %s stopped", c.id)
	})
}

func (c *tcpSession) readPump() {
	defer c.Stop()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, consts.BufferSize64KB), consts.MaxRequestSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.server.receiver.OnMessageReceived(c, line)
	}

	switch err := scanner.Err(); {
	case err == nil:
		logger.Info("Control session %s disconnected (EOF)", c.id)
	case errors.Is(err, bufio.ErrTooLong):
		logger.Warn("Control session %s sent an oversized request", c.id)
	case errors.Is(err, net.ErrClosed):
	default:
		logger.Warn("Error reading from control session %s: %v", c.id, err)
	}
}

func (c *tcpSession) writePump() {
	defer c.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case text := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(consts.SocketTimeout)); err != nil {
				return
			}
			if _, err := io.WriteString(c.conn, text+"\r\n"); err != nil {
				logger.Warn("Failed to write to control session %s: %v", c.id, err)
				return
			}
		}
	}
}
