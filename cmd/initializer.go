package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	firebase "firebase.google.com/go"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"tripBack/internal/config"
	"tripBack/internal/taxi"
	"tripBack/internal/taxi/auth"
	"tripBack/internal/taxi/repo"
)

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger
	taxiDeps *taxi.TaxiDeps
	jwt      *auth.JWTManager
	closers  []func()
}

// logAdapter exposes the two process loggers through the Infof/Errorf
// interface the taxi packages declare.
type logAdapter struct {
	info *log.Logger
	err  *log.Logger
}

func (l logAdapter) Infof(format string, args ...interface{}) {
	l.info.Output(2, fmt.Sprintf(format, args...))
}

func (l logAdapter) Errorf(format string, args ...interface{}) {
	l.err.Output(2, fmt.Sprintf(format, args...))
}

func (app *application) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		app.closers[i]()
	}
}

func initializeApp(ctx context.Context, cfg config.Config, taxiCfg taxi.TaxiConfig, errorLog, infoLog *log.Logger) (*application, error) {
	app := &application{errorLog: errorLog, infoLog: infoLog}
	deps := &taxi.TaxiDeps{
		Logger:     logAdapter{info: infoLog, err: errorLog},
		Config:     taxiCfg,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Migrate:    cfg.Store.Migrate,
	}

	if cfg.Redis.Addr != "" {
		rdb, err := openRedis(ctx, cfg)
		if err != nil {
			app.close()
			return nil, err
		}
		deps.RDB = rdb
		app.closers = append(app.closers, func() { rdb.Close() })
	}

	switch cfg.Store.Backend {
	case config.BackendMySQL, config.BackendPostgres:
		dialect := repo.DialectMySQL
		if cfg.Store.Backend == config.BackendPostgres {
			dialect = repo.DialectPostgres
		}
		db, err := repo.OpenDB(dialect, cfg.Database.URL)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("open database: %w", err)
		}
		infoLog.Println("Successfully connected to database")
		deps.DB = db
		deps.Dialect = dialect
		app.closers = append(app.closers, func() { db.Close() })
	}

	if cfg.UsesFirebase() {
		if err := app.initFirebase(ctx, cfg, deps); err != nil {
			app.close()
			return nil, err
		}
	}

	if deps.Verifier == nil {
		app.jwt = auth.NewJWTManager(cfg.Auth.JWTSecret)
		deps.Verifier = app.jwt
	}

	if cfg.S3.Bucket != "" {
		client, err := newS3Client(cfg)
		if err != nil {
			app.close()
			return nil, err
		}
		deps.S3 = client
		deps.S3Bucket = cfg.S3.Bucket
	}

	app.taxiDeps = deps
	return app, nil
}

func openRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (app *application) initFirebase(ctx context.Context, cfg config.Config, deps *taxi.TaxiDeps) error {
	var opts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	fb, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.Firebase.ProjectID}, opts...)
	if err != nil {
		return fmt.Errorf("init firebase: %w", err)
	}

	if cfg.Store.Backend == config.BackendFirestore {
		client, err := fb.Firestore(ctx)
		if err != nil {
			return fmt.Errorf("init firestore: %w", err)
		}
		deps.Firestore = client
		app.closers = append(app.closers, func() { client.Close() })
	}
	if cfg.Firebase.Auth {
		client, err := fb.Auth(ctx)
		if err != nil {
			return fmt.Errorf("init firebase auth: %w", err)
		}
		deps.Verifier = auth.NewFirebaseVerifier(client)
	}
	if cfg.Firebase.Messaging {
		client, err := fb.Messaging(ctx)
		if err != nil {
			return fmt.Errorf("init firebase messaging: %w", err)
		}
		deps.Messaging = client
	}
	return nil
}

func newS3Client(cfg config.Config) (*s3.S3, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.S3.Region)}
	if cfg.S3.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.S3.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.S3.AccessKey, cfg.S3.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("init s3 session: %w", err)
	}
	return s3.New(sess), nil
}
