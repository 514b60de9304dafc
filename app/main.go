package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/courier-im/courier/app/events"
	"github.com/courier-im/courier/app/store"
	"github.com/courier-im/courier/app/webapi"
	"github.com/courier-im/courier/lib/classifier"
)

type options struct {
	Redis struct {
		URL     string        `long:"url" env:"URL" default:"redis://127.0.0.1:6379/0" description:"redis url"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"5s" description:"redis dial/ping timeout"`
	} `group:"redis" namespace:"redis" env-namespace:"REDIS"`

	ListenAddr string `long:"listen" env:"LISTEN" default:":8080" description:"webapi listen address"`

	Users struct {
		Regular []string `long:"regular" env:"REGULAR" env-delim:"," default:"Alice" default:"Malory" description:"seeded regular users"`
		Admin   []string `long:"admin" env:"ADMIN" env-delim:"," default:"flain1" default:"Ilya" description:"seeded admin users"`
	} `group:"users" namespace:"users" env-namespace:"USERS"`

	Classifier struct {
		Seed       int64         `long:"seed" env:"SEED" default:"422" description:"classifier random seed"`
		MaxLatency time.Duration `long:"max-latency" env:"MAX_LATENCY" default:"3s" description:"max simulated classifier latency"`
	} `group:"classifier" namespace:"classifier" env-namespace:"CLASSIFIER"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated spam logs"`
		FileName   string `long:"file" env:"FILE" default:"courier-spam.log" description:"location of spam log"`
		MaxSize    int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size in MB before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"max number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	Flush bool `long:"flush" env:"FLUSH" description:"flush the store on start, removes all messages and presence"`
	Dbg   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("courier %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options) error {
	redisOpts, err := redis.ParseURL(opts.Redis.URL)
	if err != nil {
		return fmt.Errorf("can't parse redis url %q: %w", opts.Redis.URL, err)
	}
	client := redis.NewClient(redisOpts)
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("[WARN] can't close redis client: %v", err)
		}
	}()

	// the store has to be reachable before anything else starts
	err = repeater.NewDefault(5, time.Second).Do(ctx, func() error {
		pingCtx, pingCancel := context.WithTimeout(ctx, opts.Redis.Timeout)
		defer pingCancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		return fmt.Errorf("can't reach redis at %s: %w", opts.Redis.URL, err)
	}

	if opts.Flush {
		log.Printf("[WARN] flushing the store")
		if err := client.FlushAll(ctx).Err(); err != nil {
			return fmt.Errorf("can't flush the store: %w", err)
		}
	}

	users := store.NewUsers(client)
	if err := users.Seed(ctx, opts.Users.Regular, opts.Users.Admin); err != nil {
		return fmt.Errorf("can't seed users: %w", err)
	}
	messages := store.NewMessages(client)
	stats := store.NewStats(client)
	journal := store.NewJournal(client)

	loggerWr, err := makeSpamLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make spam log writer: %w", err)
	}
	defer loggerWr.Close()

	journalListener := &events.JournalListener{Client: client, Journal: journal}
	processor := &events.QueueProcessor{
		Client:     client,
		Messages:   messages,
		Stats:      stats,
		Classifier: classifier.NewRandom(opts.Classifier.Seed, opts.Classifier.MaxLatency),
		SpamLogger: makeSpamLogger(loggerWr),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := journalListener.Do(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ERROR] journal listener failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := processor.Do(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ERROR] queue processor failed: %v", err)
		}
	}()

	// events published with no subscriber are lost, hold the traffic until
	// both listeners are confirmed on their channels
	if err := waitForSubscribers(ctx, client, store.EventJournalChannel, store.MessageQueueChannel); err != nil {
		return fmt.Errorf("listeners failed to subscribe: %w", err)
	}

	srv := webapi.NewServer(webapi.Config{
		Version:    revision,
		ListenAddr: opts.ListenAddr,
		Messages:   messages,
		Users:      users,
		Stats:      stats,
		Journal:    journal,
		Dbg:        opts.Dbg,
	})
	if err := srv.Run(ctx); err != nil {
		log.Printf("[WARN] webapi server terminated, %v", err)
	}

	// let the listeners unsubscribe cleanly even if ctx is already gone
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	for _, channel := range []string{store.MessageQueueChannel, store.EventJournalChannel} {
		if err := client.Publish(stopCtx, channel, events.StopSignal).Err(); err != nil {
			log.Printf("[WARN] can't publish stop signal to %s: %v", channel, err)
		}
	}
	wg.Wait()
	return nil
}

// waitForSubscribers blocks until every channel has at least one subscriber.
func waitForSubscribers(ctx context.Context, client redis.UniversalClient, channels ...string) error {
	return repeater.NewDefault(20, 50*time.Millisecond).Do(ctx, func() error {
		counts, err := client.PubSubNumSub(ctx, channels...).Result()
		if err != nil {
			return fmt.Errorf("can't check subscriptions: %w", err)
		}
		for _, channel := range channels {
			if counts[channel] < 1 {
				return fmt.Errorf("no subscriber on %s yet", channel)
			}
		}
		return nil
	})
}

// makeSpamLogger creates a logger to keep records about blocked messages,
// it writes json lines to the provided writer
func makeSpamLogger(wr io.Writer) events.SpamLogger {
	return events.SpamLoggerFunc(func(msg store.Message) {
		text := strings.ReplaceAll(msg.Content, "\n", " ")
		text = strings.TrimSpace(text)
		m := struct {
			TimeStamp string `json:"ts"`
			MessageID int64  `json:"message_id"`
			Sender    string `json:"sender"`
			Recipient string `json:"recipient"`
			Text      string `json:"text"`
		}{
			TimeStamp: time.Now().In(time.Local).Format(time.RFC3339),
			MessageID: msg.ID,
			Sender:    msg.Sender,
			Recipient: msg.Recipient,
			Text:      text,
		}
		line, err := json.Marshal(&m)
		if err != nil {
			log.Printf("[WARN] can't marshal json, %v", err)
			return
		}
		if _, err := wr.Write(append(line, '\n')); err != nil {
			log.Printf("[WARN] can't write to log, %v", err)
		}
	})
}

// makeSpamLogWriter creates spam log writer with rotation if enabled
func makeSpamLogWriter(opts options) (io.WriteCloser, error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}
	log.Printf("[INFO] spam log enabled for %s, max size %dM", opts.Logger.FileName, opts.Logger.MaxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    opts.Logger.MaxSize, // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
