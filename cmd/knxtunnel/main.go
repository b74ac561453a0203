// Command knxtunnel connects to a KNXnet/IP server and relays cEMI frames
// between the tunnel and stdio, for manual testing against real or
// simulated gateways.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/knxdev/knxnetip/pkg/knxconf"
	"github.com/knxdev/knxnetip/pkg/knxnet"
	"github.com/knxdev/knxnetip/pkg/tunnel"
	"github.com/knxdev/knxnetip/pkg/tunnelmetrics"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else if x, err := readEnv(pflag.Arg(0)); err == nil {
		e = x
	} else {
		fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
		os.Exit(1)
	}

	var c knxconf.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}
	if !c.ServerControl.IsValid() {
		fmt.Fprintln(os.Stderr, "error: KNX_SERVER_CONTROL is required")
		os.Exit(1)
	}

	logger, reopen := configureLogging(&c)
	if reopen != nil {
		hch := make(chan os.Signal, 1)
		signal.Notify(hch, syscall.SIGHUP)
		go func() {
			for range hch {
				reopen()
			}
		}()
	}
	ms := tunnelmetrics.New()

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			ms.WritePrometheus(w)
		})
		go func() {
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	profile := tunnel.TunnelingProfile()
	if strings.EqualFold(c.ConnectionType, "devicemgmt") {
		profile = tunnel.DeviceManagementProfile()
	}
	profile.ConnectTimeout = c.ConnectTimeout

	cri := knxnet.CRI{Type: knxnet.ConnTunnel, Layer: tunnelLayerFromString(c.TunnelLayer)}
	if strings.EqualFold(c.ConnectionType, "devicemgmt") {
		cri = knxnet.CRI{Type: knxnet.ConnDeviceMgmt}
	}

	var transport tunnel.Transport
	switch strings.ToLower(c.Transport) {
	case "tcp":
		conn, err := net.Dial("tcp", c.ServerControl.String())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: dial server: %v\n", err)
			os.Exit(1)
		}
		defer conn.Close()
		reg := tunnel.NewStreamRegistry(logger, conn)
		go func() {
			if err := reg.Serve(); err != nil {
				logger.Warn().Err(err).Msg("tcp stream closed")
			}
		}()
		transport = tunnel.NewTCPTransport(reg)
	default:
		t, err := tunnel.NewUDPTransport(logger, c.LocalAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: bind udp transport: %v\n", err)
			os.Exit(1)
		}
		transport = t
	}

	cfg := tunnel.Config{
		Profile:       profile,
		ServerControl: c.ServerControl,
		LocalEndpoint: c.LocalAddr,
		CRI:           cri,
		UseNAT:        c.NAT,
		Logger:        logger,
		Metrics:       ms,
		OnServiceRequest: func(payload []byte) {
			fmt.Println(hex.EncodeToString(payload))
		},
	}
	conn := tunnel.New(cfg, transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := conn.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: connect: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Uint8("channel", conn.Channel()).Msg("tunnel established")

	go readStdinFrames(ctx, conn, logger)

	<-ctx.Done()
	closeCtx, cancel := context.WithTimeout(context.Background(), profile.ConnectTimeout)
	defer cancel()
	_ = conn.Close(closeCtx)
}

// readStdinFrames reads one hex-encoded cEMI frame per line from stdin and
// sends each over the tunnel, for interactive testing.
func readStdinFrames(ctx context.Context, conn *tunnel.Connection, logger zerolog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		payload, err := hex.DecodeString(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid hex: %v\n", err)
			continue
		}
		if err := conn.Send(ctx, payload); err != nil {
			logger.Warn().Err(err).Msg("send failed")
		}
	}
}

func tunnelLayerFromString(s string) knxnet.TunnelLayer {
	switch strings.ToLower(s) {
	case "busmonitor":
		return knxnet.TunnelBusMonitor
	case "raw":
		return knxnet.TunnelRaw
	default:
		return knxnet.TunnelLinkLayer
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
