package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/inklet/docsync/docsync"
)

const DocsyncCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Docsync control.

Attaches to a sync server with a throwaway in-memory engine. Useful for
watching a session's traffic and poking documents without an editor.

Usage:
    docsyncctl tail --server_url=<server_url>
        [--session=<session_code>]
        [--token=<token>]
        [--file=<path>]
        [--duration=<seconds>]
    docsyncctl send --server_url=<server_url>
        --file=<path>
        [--session=<session_code>]
        [--token=<token>]
        [<content>]
    docsyncctl session-code --token=<token>

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --server_url=<server_url>    Sync server url.
    --session=<session_code>     Share-session code.
    --token=<token>              Session JWT. Prompted for when omitted and
                                 a session is set.
    --file=<path>                Body document path. Omit to tail the
                                 workspace metadata channel.
    --duration=<seconds>         Tail this long then exit. Default: until
                                 interrupted.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if sessionCode_, _ := opts.Bool("session-code"); sessionCode_ {
		sessionCode(opts)
	}
}

func auth(opts docopt.Opts) *docsync.SessionAuth {
	token, _ := opts.String("--token")
	session, _ := opts.String("--session")
	if token == "" && session != "" {
		fmt.Fprint(os.Stderr, "token: ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("read token error = %s", err)
		}
		token = string(tokenBytes)
	}
	if token == "" {
		return nil
	}
	return &docsync.SessionAuth{
		Token: token,
	}
}

func connect(ctx context.Context, opts docopt.Opts) (*docsync.Orchestrator, string) {
	serverUrl, _ := opts.String("--server_url")
	session, _ := opts.String("--session")
	path, _ := opts.String("--file")

	orchestrator := docsync.NewOrchestratorWithDefaults(ctx, docsync.NewMemoryEngine())
	orchestrator.SetAuth(auth(opts))

	orchestrator.AddStatusCallback(func(connected bool) {
		Out.Printf("status connected=%t", connected)
	})
	orchestrator.AddSyncedCallback(func() {
		Out.Printf("synced")
	})
	orchestrator.AddContentCallback(func(path string, content string) {
		Out.Printf("content %s (%d bytes)\n%s", path, len(content), content)
	})
	orchestrator.AddEntryCallback(func(path string, entry *docsync.Entry) {
		if entry == nil {
			Out.Printf("entry %s removed", path)
		} else {
			Out.Printf("entry %s type=%s deleted=%t", path, entry.Type, entry.Deleted)
		}
	})
	orchestrator.AddProgressCallback(func(completed int, total int) {
		Out.Printf("progress %d/%d", completed, total)
	})
	orchestrator.AddSyncStatusCallback(func(status docsync.SyncStatus, err error) {
		if err != nil {
			Out.Printf("sync status %s error = %s", status, err)
		} else {
			Out.Printf("sync status %s", status)
		}
	})

	if err := orchestrator.StartSessionSync(serverUrl, session, false); err != nil {
		Err.Fatalf("session sync error = %s", err)
	}
	return orchestrator, path
}

func tail(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator, path := connect(ctx, opts)
	defer orchestrator.Destroy()

	if path != "" {
		if _, err := orchestrator.EnsureBodyChannel(ctx, path); err != nil {
			Err.Fatalf("body channel error = %s", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if durationSeconds, err := opts.Int("--duration"); err == nil && 0 < durationSeconds {
		select {
		case <-stop:
		case <-time.After(time.Duration(durationSeconds) * time.Second):
		}
	} else {
		<-stop
	}
}

func send(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator, path := connect(ctx, opts)
	defer orchestrator.Destroy()

	content, _ := opts.String("<content>")
	if content == "" {
		b, err := os.ReadFile("/dev/stdin")
		if err != nil {
			Err.Fatalf("read content error = %s", err)
		}
		content = string(b)
	}

	if err := orchestrator.SetBodyContent(ctx, path, content); err != nil {
		Err.Fatalf("send error = %s", err)
	}
	Out.Printf("sent %s (%d bytes)", path, len(content))

	// give the broadcast a moment to flush before teardown
	time.Sleep(500 * time.Millisecond)
}

func sessionCode(opts docopt.Opts) {
	token, _ := opts.String("--token")
	claims, err := docsync.ParseSessionTokenUnverified(token)
	if err != nil {
		Err.Fatalf("parse token error = %s", err)
	}
	Out.Printf("session=%s role=%s guest_id=%s", claims.SessionCode, claims.Role, claims.GuestId)
}
