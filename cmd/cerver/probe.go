package main

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/cerver/pkg/client"
	"github.com/marmos91/cerver/pkg/packet"
	"github.com/spf13/cobra"
)

var probeOpts struct {
	addr     string
	user     string
	password string
	token    string
	message  string
	timeout  time.Duration
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Connect to a running cerver and exercise it",
	Long: `Connect to a cerver, print its welcome, authenticate when required, send a
TEST packet and optionally an APP message, then disconnect.

The protocol id and version come from the configuration.

Examples:
  cerver probe
  cerver probe --addr 10.0.0.5:7000 --user alice --password s3cret --message hello`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		addr := probeOpts.addr
		if addr == "" {
			addr = fmt.Sprintf("127.0.0.1:%d", cfg.Cerver.Port)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), probeOpts.timeout)
		defer cancel()

		c, err := client.Dial(ctx, addr, client.Options{
			Protocol:      packet.Protocol{ID: cfg.Cerver.ProtocolID, Version: cfg.Cerver.ProtocolVersion},
			MaxPacketSize: cfg.Cerver.MaxPacketSize,
		})
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		info := c.Info()
		fmt.Fprintf(out, "Connected to %q: %s\n", info.Name, info.Welcome)

		if info.AuthRequired {
			switch {
			case probeOpts.token != "":
				err = c.AuthenticateToken(ctx, probeOpts.token)
			case probeOpts.user != "":
				err = c.Authenticate(ctx, probeOpts.user, probeOpts.password)
			default:
				return fmt.Errorf("%s requires authentication: use --user or --token", addr)
			}
			if err != nil {
				return fmt.Errorf("authentication: %w", err)
			}
			fmt.Fprintln(out, "Authenticated")
			if tok := c.Token(); tok != "" {
				fmt.Fprintf(out, "Session token: %s\n", tok)
			}
		}

		start := time.Now()
		if err := c.Test(ctx, []byte("probe")); err != nil {
			return fmt.Errorf("test packet: %w", err)
		}
		fmt.Fprintf(out, "Test round trip: %v\n", time.Since(start))

		if probeOpts.message != "" {
			if err := c.SendPacket(packet.TypeApp, 0, []byte(probeOpts.message)); err != nil {
				return err
			}
			p, err := c.Receive(ctx)
			if err != nil {
				return fmt.Errorf("app reply: %w", err)
			}
			fmt.Fprintf(out, "Reply: %s %q\n", p, p.Body)
			p.Release()
		}

		return c.Disconnect()
	},
}

func init() {
	f := probeCmd.Flags()
	f.StringVar(&probeOpts.addr, "addr", "", "cerver address (default 127.0.0.1:<cerver.port>)")
	f.StringVarP(&probeOpts.user, "user", "u", "", "user name")
	f.StringVarP(&probeOpts.password, "password", "p", "", "password")
	f.StringVar(&probeOpts.token, "token", "", "session token, instead of user and password")
	f.StringVarP(&probeOpts.message, "message", "m", "", "APP message to send")
	f.DurationVar(&probeOpts.timeout, "timeout", 10*time.Second, "overall timeout")
}
