package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

// Server DNS服务器，同时监听UDP和TCP
type Server struct {
	udpServer *dns.Server
	tcpServer *dns.Server
	handler   *Handler
	address   string
	logger    config.Logger
}

// NewServer 创建DNS服务器
func NewServer(conf *config.Config, store storage.RegistryStore, logger config.Logger) *Server {
	handler := NewHandler(store, conf.DNS.Domain, conf.DNS.TTL, logger)
	return &Server{
		handler: handler,
		address: net.JoinHostPort(conf.DNS.ListenAddress, strconv.Itoa(conf.DNS.Port)),
		logger:  logger,
	}
}

// Start 绑定端口并在后台提供服务，端口占用等错误会直接返回
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig

	pc, err := lc.ListenPacket(ctx, "udp", s.address)
	if err != nil {
		return fmt.Errorf("监听DNS UDP端口失败: %w", err)
	}
	// 端口为0时TCP与UDP使用同一个实际端口
	ln, err := lc.Listen(ctx, "tcp", pc.LocalAddr().String())
	if err != nil {
		pc.Close()
		return fmt.Errorf("监听DNS TCP端口失败: %w", err)
	}

	started := make(chan struct{}, 2)
	notify := func() { started <- struct{}{} }
	s.udpServer = &dns.Server{PacketConn: pc, Handler: s.handler, NotifyStartedFunc: notify}
	s.tcpServer = &dns.Server{Listener: ln, Handler: s.handler, NotifyStartedFunc: notify}

	for _, srv := range []*dns.Server{s.udpServer, s.tcpServer} {
		go func(srv *dns.Server) {
			if err := srv.ActivateAndServe(); err != nil {
				s.logger.Error("DNS服务异常退出", zap.Error(err))
			}
		}(srv)
	}

	// 等待两个服务都进入就绪状态，之后Stop才能正常关闭
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.logger.Info("DNS服务已启动",
		zap.String("address", pc.LocalAddr().String()),
		zap.String("domain", s.handler.domain))
	return nil
}

// Addr 返回实际监听的地址
func (s *Server) Addr() string {
	if s.udpServer == nil {
		return s.address
	}
	return s.udpServer.PacketConn.LocalAddr().String()
}

// Stop 停止DNS服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.udpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for _, srv := range []*dns.Server{s.udpServer, s.tcpServer} {
		if err := srv.ShutdownContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
