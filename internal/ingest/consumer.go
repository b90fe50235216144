package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/malbeclabs/servicegraph/internal/engine"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// ErrConsumerClosed is returned by Consume once the underlying client has been closed.
var ErrConsumerClosed = errors.New("kafka consumer closed")

// kafkaClient is the subset of kgo.Client methods the consumer uses, so tests can mock it.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// topicAdmin is the subset of kadm.Client used to provision the topic.
type topicAdmin interface {
	CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)
}

type AuthType int

const (
	AuthTypeNone AuthType = iota
	AuthTypeSCRAM
	AuthTypeAWSMSK
)

func (a AuthType) String() string {
	switch a {
	case AuthTypeSCRAM:
		return "scram"
	case AuthTypeAWSMSK:
		return "aws-msk"
	default:
		return "none"
	}
}

func ParseAuthType(s string) (AuthType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AuthTypeNone, nil
	case "scram":
		return AuthTypeSCRAM, nil
	case "aws-msk", "iam":
		return AuthTypeAWSMSK, nil
	default:
		return AuthTypeNone, fmt.Errorf("unknown kafka auth type %q", s)
	}
}

// Record is a decoded submission along with its position in the topic.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Request   engine.SubmitRequest
}

type Consumer struct {
	brokers    []string
	user       string
	pass       string
	topic      string
	group      string
	authType   AuthType
	disableTLS bool

	client  kafkaClient
	admin   topicAdmin
	log     *slog.Logger
	metrics *Metrics
}

type Option func(*Consumer)

func WithLogger(log *slog.Logger) Option {
	return func(c *Consumer) {
		c.log = log
	}
}

func WithBrokers(brokers []string) Option {
	return func(c *Consumer) {
		c.brokers = brokers
	}
}

func WithUser(user string) Option {
	return func(c *Consumer) {
		c.user = user
	}
}

func WithPassword(pass string) Option {
	return func(c *Consumer) {
		c.pass = pass
	}
}

func WithTopic(topic string) Option {
	return func(c *Consumer) {
		c.topic = topic
	}
}

func WithConsumerGroup(group string) Option {
	return func(c *Consumer) {
		c.group = group
	}
}

func WithAuthType(authType AuthType) Option {
	return func(c *Consumer) {
		c.authType = authType
	}
}

func WithTLSDisabled(disableTLS bool) Option {
	return func(c *Consumer) {
		c.disableTLS = disableTLS
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// withKafkaClient is used for testing to inject a mock client.
func withKafkaClient(client kafkaClient, admin topicAdmin) Option {
	return func(c *Consumer) {
		c.client = client
		c.admin = admin
	}
}

func NewConsumer(opts ...Option) (*Consumer, error) {
	c := &Consumer{}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.topic == "" {
		return nil, errors.New("topic is required")
	}

	if c.client != nil {
		return c, nil
	}

	if len(c.brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if c.group == "" {
		return nil, errors.New("consumer group is required")
	}

	kOpts := []kgo.Opt{}
	switch c.authType {
	case AuthTypeSCRAM:
		kOpts = append(kOpts, kgo.SASL(scram.Auth{
			User: c.user,
			Pass: c.pass,
		}.AsSha256Mechanism()))
	case AuthTypeAWSMSK:
		kOpts = append(kOpts, kgo.SASL(aws.ManagedStreamingIAM(func(ctx context.Context) (aws.Auth, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return aws.Auth{}, fmt.Errorf("failed to load aws config: %w", err)
			}
			creds, err := cfg.Credentials.Retrieve(ctx)
			if err != nil {
				return aws.Auth{}, fmt.Errorf("failed to retrieve credentials: %w", err)
			}
			return aws.Auth{
				AccessKey:    creds.AccessKeyID,
				SecretKey:    creds.SecretAccessKey,
				SessionToken: creds.SessionToken,
			}, nil
		})))
	}
	if !c.disableTLS {
		kOpts = append(kOpts, kgo.DialTLS())
	}
	kOpts = append(kOpts,
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumeTopics(c.topic),
		kgo.ConsumerGroup(c.group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(kOpts...)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka client: %w", err)
	}
	c.client = client
	c.admin = kadm.NewClient(client)
	return c, nil
}

// EnsureTopic creates the consumed topic if it does not already exist.
func (c *Consumer) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	resp, err := c.admin.CreateTopic(ctx, partitions, replication, nil, c.topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil {
		if errors.Is(err, kerr.TopicAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create topic %s: %w", c.topic, err)
	}
	c.log.Info("created kafka topic", "topic", c.topic, "partitions", partitions, "replication", replication)
	return nil
}

// Consume polls once and decodes every fetched record. Records that are not valid JSON
// submissions are logged, counted, and dropped.
func (c *Consumer) Consume(ctx context.Context) ([]Record, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrConsumerClosed
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.log.Error("error during fetching", "topic", topic, "partition", partition, "error", err)
		c.metrics.ConsumeErrors.Inc()
	})
	if fetches.Empty() {
		return nil, nil
	}

	var records []Record
	fetches.EachRecord(func(rec *kgo.Record) {
		var req engine.SubmitRequest
		if err := json.Unmarshal(rec.Value, &req); err != nil {
			c.log.Error("error decoding submission from kafka", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			c.metrics.DecodeErrors.Inc()
			return
		}
		records = append(records, Record{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Request:   req,
		})
	})
	c.metrics.RecordsConsumed.Add(float64(len(records)))
	return records, nil
}

func (c *Consumer) Commit(ctx context.Context) error {
	return c.client.CommitUncommittedOffsets(ctx)
}

func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}
