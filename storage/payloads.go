package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"preprint-harvester/config"
)

// NewS3Client erstellt einen S3-Client für Strato HiDrive.
func NewS3Client(cfg *config.Config) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.StratoS3URL,
				SigningRegion:     cfg.StratoS3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.StratoS3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.StratoS3Key, cfg.StratoS3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// PayloadStore legt Raw-Payloads entweder inline in der Datenbank ab oder im
// S3-Bucket; im zweiten Fall hält die raw-Tabelle nur den Objekt-Key.
type PayloadStore struct {
	Mode     string
	Bucket   string
	S3Client *s3.Client
}

// NewPayloadStore erstellt den Payload-Store für den konfigurierten Modus.
func NewPayloadStore(cfg *config.Config) (*PayloadStore, error) {
	ps := &PayloadStore{Mode: cfg.PayloadStore, Bucket: cfg.StratoS3Bucket}
	if cfg.PayloadStore == "s3" {
		client, err := NewS3Client(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating s3 client for payload store: %w", err)
		}
		ps.S3Client = client
	}
	return ps, nil
}

// Inline meldet, ob Payloads in der Datenbank selbst liegen.
func (p *PayloadStore) Inline() bool {
	return p.Mode != "s3"
}

// PayloadKey liefert den Objekt-Key für eine Preprint-ID.
func PayloadKey(preprintID string) string {
	return "payloads/" + preprintID + ".json"
}

// Put lädt einen Payload in den Bucket hoch und gibt den Key zurück.
func (p *PayloadStore) Put(ctx context.Context, preprintID string, data []byte) (string, error) {
	key := PayloadKey(preprintID)
	_, err := p.S3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("uploading payload %s: %w", preprintID, err)
	}
	return key, nil
}

// Get holt einen ausgelagerten Payload zurück.
func (p *PayloadStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := p.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading payload %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
