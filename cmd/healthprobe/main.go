// healthprobe - exits 0 when the livelink gRPC health service reports SERVING
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ashureev/livelink/internal/health"
)

func main() {
	addr := flag.String("addr", "localhost:9090", "gRPC health address")
	timeout := flag.Duration("timeout", 3*time.Second, "probe timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := health.Probe(ctx, *addr); err != nil {
		fmt.Fprintln(os.Stderr, "unhealthy:", err)
		cancel()
		os.Exit(1)
	}
	fmt.Println("serving")
}
