// ============================================================================
// Cardfarm gRPC Server - pass 存活狀態
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以標準 grpc.health.v1.Health 服務回報 farming pass 是否正在執行
//
// 服務狀態:
//   ""            - 行程本身，啟動後即為 SERVING
//   ServiceName   - pass 執行中為 SERVING，其餘時間為 NOT_SERVING
//
// 使用方式:
//   grpc_health_probe -addr=:9091 -service=cardfarm.Farming
//
// ============================================================================

package server

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName 是 pass 狀態在 health 服務中的名稱
const ServiceName = "cardfarm.Farming"

// Server gRPC health 伺服器
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewServer 建立伺服器，pass 初始狀態為 NOT_SERVING
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpc: gs, health: hs, log: logger}
}

// SetPassRunning 更新 pass 狀態
func (s *Server) SetPassRunning(running bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.log.Debug("health status updated", "service", ServiceName, "status", status)
}

// Serve 在 lis 上提供服務，阻塞直到 Stop
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// ListenAndServe 監聽 TCP port 並提供服務
func (s *Server) ListenAndServe(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("health server: listen on %d: %w", port, err)
	}
	return s.Serve(lis)
}

// Stop 將所有服務標記為 NOT_SERVING 後優雅關閉
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
