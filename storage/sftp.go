package storage

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"hostwatch/config"
	"hostwatch/logger"
)

// SFTPSink uploads the JSON report into a remote directory over SSH.
// A connection is opened per export; exports are infrequent.
type SFTPSink struct {
	addr   string
	config *ssh.ClientConfig
	log    *zap.Logger
}

func NewSFTPSink(cfg config.SFTPConfig, log *zap.Logger) (*SFTPSink, error) {
	log = logger.Or(log)
	clientCfg, err := sshClientConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	return &SFTPSink{addr: cfg.Addr, config: clientCfg, log: log}, nil
}

// sshClientConfig builds username and private key authentication.
func sshClientConfig(cfg config.SFTPConfig, log *zap.Logger) (*ssh.ClientConfig, error) {
	log = logger.Or(log)
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		hostKey, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	} else {
		log.Warn("sftp host key checking disabled, set sftp.known_hosts to enable it")
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         10 * time.Second,
	}, nil
}

func (s *SFTPSink) Export(ctx context.Context, dest string, rep *Report) (string, error) {
	data, ext, err := Encode(rep, "json")
	if err != nil {
		return "", err
	}
	if dest == "" {
		dest = "."
	}
	remote := path.Join(dest, FileName(rep, ext))

	if err := s.upload(ctx, dest, remote, data); err != nil {
		return "", err
	}
	s.log.Debug("report uploaded", zap.String("addr", s.addr), zap.String("path", remote))
	return fmt.Sprintf("sftp://%s@%s%s", s.config.User, s.addr, absRemote(remote)), nil
}

// upload runs on the caller's goroutine. Cancelling ctx closes the TCP
// connection, which fails whichever SSH or SFTP call is in flight.
func (s *SFTPSink) upload(ctx context.Context, dir, remote string, data []byte) error {
	dialer := net.Dialer{Timeout: s.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", s.addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	err = s.transfer(conn, dir, remote, data)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("upload %s aborted: %w", remote, ctx.Err())
	}
	return err
}

func (s *SFTPSink) transfer(conn net.Conn, dir, remote string, data []byte) error {
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.config)
	if err != nil {
		return fmt.Errorf("ssh handshake %s: %w", s.addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer client.Close()

	if err := client.MkdirAll(dir); err != nil {
		return fmt.Errorf("create remote dir %s: %w", dir, err)
	}
	dst, err := client.Create(remote)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remote, err)
	}
	if _, err := dst.Write(data); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write remote file: %w", err)
	}
	return dst.Close()
}

func (s *SFTPSink) Close() error { return nil }

func absRemote(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return "/" + p
}
