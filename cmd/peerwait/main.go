// Command peerwait joins the peer-support queue as one user and waits for a
// match the way the web client does: join once, then poll check_status.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"PeerSupport/internal/matchmaker"
	"PeerSupport/internal/poller"
	"PeerSupport/internal/utils"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	flags := pflag.NewFlagSet("peerwait", pflag.ExitOnError)
	flags.String("server", "http://localhost:8080", "matchmaker base URL")
	flags.String("token", "", "bearer token (or PEER_TOKEN)")
	flags.StringSlice("interests", nil, "comma separated interest tags")
	flags.Duration("interval", poller.DefaultInterval, "poll interval")
	flags.Duration("timeout", poller.DefaultTimeout, "give up after this long")
	flags.String("log-level", "info", "log level")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("PEER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		utils.Log.Fatal("bind flags", "err", err)
	}
	utils.Init(v.GetString("log-level"))

	if v.GetString("token") == "" {
		utils.Log.Fatal("a token is required (--token or PEER_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := poller.NewHTTPClient(v.GetString("server"), v.GetString("token"))
	out, err := client.JoinQueue(ctx, v.GetStringSlice("interests"))
	if err != nil {
		utils.Log.Fatal("join queue failed", "err", err)
	}
	if out.State != matchmaker.StateMatched {
		utils.Log.Info("waiting for a peer", "timeout", v.GetDuration("timeout"))
		p := poller.New(client, v.GetDuration("interval"), v.GetDuration("timeout"))
		out, err = p.Wait(ctx, "")
		if errors.Is(err, poller.ErrNoMatchFound) {
			fmt.Println("No match found, try again.")
			os.Exit(2)
		}
		if err != nil {
			utils.Log.Fatal("wait failed", "err", err)
		}
	}
	utils.Log.Info("matched", "match", out.MatchID)
	fmt.Printf("room=%s match=%s\n", out.RoomID, out.MatchID)
}
