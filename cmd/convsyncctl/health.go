package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/matheus3301/convsync/internal/daemon"
	"github.com/matheus3301/convsync/internal/session"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the daemon's gRPC health endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		conn, err := grpc.NewClient(
			"unix://"+session.HealthSocketPath(sessionName()),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()
		client := healthpb.NewHealthClient(conn)

		for _, service := range []string{"", daemon.RealtimeService} {
			resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				return fmt.Errorf("health check %q: %w", service, err)
			}
			name := service
			if name == "" {
				name = "daemon"
			}
			if jsonOutput {
				data, err := protojson.Marshal(resp)
				if err != nil {
					return err
				}
				fmt.Printf("{\"service\":%q,\"response\":%s}\n", name, data)
				continue
			}
			fmt.Printf("%-20s %s\n", name, resp.GetStatus())
		}
		return nil
	},
}
