package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/hewenyu/tenant-gateway/sdk/go"
)

func main() {
	// 配置SDK客户端
	client, err := sdk.NewClient(sdk.Config{
		ServerAddr:  "localhost:8081",
		ServiceName: "tenant-service",
		URL:         "http://127.0.0.1:8000",
		Metadata:    map[string]string{"version": "1.0.0"},
		Timeout:     5 * time.Second,
	})
	if err != nil {
		log.Fatalf("创建SDK客户端失败: %v", err)
	}

	ctx := context.Background()
	if err := client.Register(ctx); err != nil {
		log.Fatalf("实例注册失败: %v", err)
	}
	log.Printf("实例注册成功，实例ID: %s", client.InstanceID())

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		log.Printf("实例注销失败: %v", err)
	}
	log.Println("实例已注销")
}
