package stat

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	statserver "github.com/rarydzu/monoblob/monoserver/stat"
)

// Client is a client for the monoblob stat server.
type Client struct {
	conn *grpc.ClientConn
	healthpb.HealthClient
}

// NewConnection dials the stat server, with mutual TLS unless running in
// dev mode.
func NewConnection(address, certDir string, log *zap.SugaredLogger) (*grpc.ClientConn, error) {
	if len(certDir) == 0 {
		testrun := os.Getenv("MONOBLOB_DEV_RUN")
		if len(testrun) == 0 {
			return nil, fmt.Errorf("stat client: certDir is empty")
		}
		log.Infof("running insecure client reason: %s", testrun)
		conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}
		return conn, err
	}
	caPem, err := os.ReadFile(fmt.Sprintf("%s/ca-cert.pem", certDir))
	if err != nil {
		return nil, err
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(caPem) {
		return nil, fmt.Errorf("stat client: cannot parse %s/ca-cert.pem", certDir)
	}
	clientCert, err := tls.LoadX509KeyPair(
		fmt.Sprintf("%s/client-cert.pem", certDir),
		fmt.Sprintf("%s/client-key.pem", certDir),
	)
	if err != nil {
		return nil, err
	}
	config := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      certPool,
	}
	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(credentials.NewTLS(config)))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// New is a constructor for Client
func New(conn *grpc.ClientConn) *Client {
	return &Client{
		conn:         conn,
		HealthClient: healthpb.NewHealthClient(conn),
	}
}

// Healthy reports whether the blob store is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: statserver.ServiceName})
	if err != nil {
		return false, err
	}
	return resp.Status == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
