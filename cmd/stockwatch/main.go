// stockwatch 终端行情查看器
// 从 WebSocket / NATS / Kafka 读取报价并打印，可选择翻转冲击开关
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"stockstream.com/pkg/control"
	"stockstream.com/pkg/kafka"
	"stockstream.com/pkg/logger"
	"stockstream.com/pkg/market"
	"stockstream.com/pkg/nats"
)

type options struct {
	source       string
	wsURL        string
	natsURL      string
	queue        string
	kafkaBrokers []string
	kafkaTopic   string
	symbol       string
	toggle       bool
	logLevel     string
}

func main() {
	os.Exit(runMain(os.Args[1:]))
}

// runMain 返回进程退出码，defer 在退出前执行完
func runMain(args []string) int {
	var o options
	fs := pflag.NewFlagSet("stockwatch", pflag.ContinueOnError)
	fs.StringVar(&o.source, "source", "ws", "ws, nats or kafka")
	fs.StringVar(&o.wsURL, "url", "ws://localhost:6789/", "websocket url")
	fs.StringVar(&o.natsURL, "nats_url", "nats://localhost:4222", "nats url")
	fs.StringVar(&o.queue, "queue", "", "nats queue group, watchers in the same group share the stream")
	fs.StringSliceVar(&o.kafkaBrokers, "kafka_brokers", []string{"localhost:9092"}, "kafka brokers")
	fs.StringVar(&o.kafkaTopic, "kafka_topic", "market.ticks", "kafka topic")
	fs.StringVar(&o.symbol, "symbol", "AAPL", "symbol (nats subject)")
	fs.BoolVar(&o.toggle, "toggle", false, "toggle shocks over nats and exit")
	fs.StringVar(&o.logLevel, "log_level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log, err := logger.New(o.logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stockwatch failed", zap.Error(err))
		return 1
	}
	return 0
}

func run(ctx context.Context, o options, log *zap.Logger) error {
	if o.toggle {
		return toggleShock(o, log)
	}

	printer := newPrinter(log)
	switch o.source {
	case "ws":
		return watchWebsocket(ctx, o.wsURL, printer.handle, log)
	case "nats":
		return watchNATS(ctx, o, printer.handle, log)
	case "kafka":
		return watchKafka(ctx, o, printer.handle, log)
	default:
		return fmt.Errorf("unknown source %q", o.source)
	}
}

// printer 打印报价并检查序号连续性
type printer struct {
	log  *zap.Logger
	last uint64
}

func newPrinter(log *zap.Logger) *printer { return &printer{log: log} }

func (p *printer) handle(q market.Quote) error {
	if p.last != 0 && q.Sequence != p.last+1 {
		p.log.Warn("sequence gap", zap.Uint64("expected", p.last+1), zap.Uint64("got", q.Sequence))
	}
	p.last = q.Sequence

	fields := []zap.Field{
		zap.String("symbol", q.StockSymbol),
		zap.Uint64("seq", q.Sequence),
		zap.Float64("price", q.RealTimePrice),
		zap.Float64("change", q.PriceChange),
		zap.Int64("volume", q.Volume),
	}
	if q.HadShock {
		p.log.Warn("shock", fields...)
	} else {
		p.log.Info("quote", fields...)
	}
	return nil
}

func watchWebsocket(ctx context.Context, rawURL string, handle kafka.QuoteHandler, log *zap.Logger) error {
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", rawURL, err)
	}
	defer conn.Close()
	log.Info("connected", zap.String("url", rawURL))

	go func() {
		<-ctx.Done()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ce := (*websocket.CloseError)(nil); errors.As(err, &ce) {
				log.Info("server closed connection", zap.Int("code", ce.Code), zap.String("reason", ce.Text))
				return nil
			}
			return err
		}
		q, err := market.DecodeQuote(data)
		if err != nil {
			log.Warn("bad message", zap.Error(err))
			continue
		}
		_ = handle(q)
	}
}

func watchNATS(ctx context.Context, o options, handle kafka.QuoteHandler, log *zap.Logger) error {
	sub, err := nats.NewSubscriber(o.natsURL, log)
	if err != nil {
		return err
	}
	defer sub.Close()

	subject := nats.TickSubject(o.symbol)
	onTick := func(_ string, data []byte) error {
		q, err := market.DecodeQuote(data)
		if err != nil {
			return err
		}
		return handle(q)
	}
	if o.queue != "" {
		err = sub.SubscribeQueue(subject, o.queue, onTick)
	} else {
		err = sub.Subscribe(onTick, subject)
	}
	if err != nil {
		return err
	}
	log.Info("subscribed", zap.String("subject", subject), zap.String("queue", o.queue))
	<-ctx.Done()
	return ctx.Err()
}

func watchKafka(ctx context.Context, o options, handle kafka.QuoteHandler, log *zap.Logger) error {
	group := fmt.Sprintf("stockwatch-%d", time.Now().UnixNano())
	c, err := kafka.NewConsumer(kafka.DefaultConsumerConfig(o.kafkaBrokers, group, []string{o.kafkaTopic}), handle, log)
	if err != nil {
		return err
	}
	c.Start()
	log.Info("consuming", zap.String("topic", o.kafkaTopic), zap.String("group", group))
	<-ctx.Done()
	if err := c.Stop(); err != nil {
		log.Warn("stop consumer", zap.Error(err))
	}
	return ctx.Err()
}

type toggleReply struct {
	ShockEnabled bool   `json:"shock_enabled"`
	Error        string `json:"error"`
}

func toggleShock(o options, log *zap.Logger) error {
	pub, err := nats.NewPublisher(o.natsURL, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	resp, err := pub.Request(nats.ControlSubject(o.symbol, control.OpShockToggle), nil, 2*time.Second)
	if err != nil {
		return err
	}
	reply, err := nats.UnmarshalJSON[toggleReply](resp)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	log.Info("shock toggled", zap.Bool("enabled", reply.ShockEnabled))
	return nil
}
