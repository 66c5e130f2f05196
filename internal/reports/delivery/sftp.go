package delivery

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	gopath "path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"report-scheduler/execution-engine/internal/reports"
	"report-scheduler/execution-engine/internal/reports/timerange"
)

// defaultRemotePattern names the uploaded file when the config carries no
// filename template.
const defaultRemotePattern = "{{report_name}}.{{ext}}"

// transferSettings is the sftp channel's delivery_config shape.
type transferSettings struct {
	Host            string `json:"host"`
	Port            int    `json:"port,omitempty"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	RemotePath      string `json:"remote_path,omitempty"`
	CreateDirectory bool   `json:"create_directory,omitempty"`
	TimeoutSeconds  int    `json:"timeout,omitempty"`
}

// remoteConn is one open connection to the destination server. Satisfied by
// sftpSession; swapped for a fake in tests.
type remoteConn interface {
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Create(path string) (io.WriteCloser, error)
	Close() error
}

type dialFunc func(settings transferSettings) (remoteConn, error)

// SFTPChannel uploads the rendered file to a remote directory and verifies
// the transfer by size.
type SFTPChannel struct {
	dial   dialFunc
	policy func(maxRetry, intervalSeconds int) Policy
	logger *zap.Logger
}

// NewSFTPChannel builds an sftp channel dialing real destinations.
func NewSFTPChannel(logger *zap.Logger) *SFTPChannel {
	return &SFTPChannel{dial: dialSFTP, policy: TransferPolicy, logger: logger}
}

// Method implements Channel.
func (c *SFTPChannel) Method() reports.DeliveryMethod { return reports.DeliveryMethodSFTP }

// Deliver implements Channel.
func (c *SFTPChannel) Deliver(ctx context.Context, target *reports.ReportDelivery, req *Request) Outcome {
	settings := transferSettings{Port: 22, RemotePath: "/", TimeoutSeconds: 10}
	if err := parseSettings(target.DeliveryConfig, &settings); err != nil {
		return c.failed(settings, 0, 0, fmt.Errorf("invalid sftp settings: %w", err))
	}
	if settings.Port == 0 {
		settings.Port = 22
	}
	if settings.RemotePath == "" {
		settings.RemotePath = "/"
	}
	if settings.TimeoutSeconds <= 0 {
		settings.TimeoutSeconds = 10
	}

	if settings.Host == "" {
		return c.failed(settings, 0, 0, fmt.Errorf("sftp host is required in delivery config"))
	}
	if settings.Username == "" {
		return c.failed(settings, 0, 0, fmt.Errorf("sftp username is required in delivery config"))
	}
	if settings.Password == "" {
		return c.failed(settings, 0, 0, fmt.Errorf("sftp password is required in delivery config"))
	}

	pattern := req.Config.Parameters.FilenameTemplate
	if pattern == "" {
		pattern = defaultRemotePattern
	}
	remoteFile := remoteFilename(pattern, req)

	remoteDir := strings.TrimRight(settings.RemotePath, "/")
	if remoteDir == "" {
		remoteDir = "/"
	}
	remotePath := gopath.Join(remoteDir, remoteFile)

	info, err := os.Stat(req.FilePath)
	if err != nil {
		return c.failed(settings, 0, 0, fmt.Errorf("report file unavailable: %w", err))
	}
	localSize := info.Size()

	c.logger.Info("Uploading report over sftp",
		zap.String("execution_id", req.ExecutionID),
		zap.String("host", settings.Host),
		zap.String("remote_path", remotePath))

	var uploadMs int64
	policy := c.policy(target.MaxRetry, target.RetryIntervalMinutes)
	attempt, err := policy.Run(ctx, func(ctx context.Context) error {
		return c.upload(settings, req.FilePath, remoteDir, remotePath, localSize, &uploadMs)
	})
	if err != nil {
		return c.failed(settings, attempt, policy.MaxAttempts-1,
			fmt.Errorf("sftp delivery failed after %d attempts: %w", attempt, err))
	}

	return Outcome{
		Status:         reports.DeliveryLogStatusSuccess,
		RecipientCount: 1,
		SuccessCount:   1,
		RetryCount:     attempt - 1,
		FileSize:       localSize,
		Details: map[string]interface{}{
			"method":         "sftp",
			"sftp_host":      settings.Host,
			"sftp_port":      settings.Port,
			"remote_path":    remotePath,
			"filename":       remoteFile,
			"upload_time_ms": uploadMs,
			"file_size":      localSize,
		},
	}
}

// upload performs one attempt: connect, ensure the directory, copy, verify.
func (c *SFTPChannel) upload(settings transferSettings, localPath, remoteDir, remotePath string, localSize int64, uploadMs *int64) error {
	start := time.Now()

	conn, err := c.dial(settings)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Stat(remoteDir); err != nil {
		if !settings.CreateDirectory {
			return fmt.Errorf("remote directory does not exist: %s", remoteDir)
		}
		if err := ensureRemoteDir(conn, remoteDir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", remoteDir, err)
		}
	}

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer local.Close()

	remote, err := conn.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	if _, err := io.Copy(remote, local); err != nil {
		remote.Close()
		return fmt.Errorf("upload failed: %w", err)
	}
	if err := remote.Close(); err != nil {
		return fmt.Errorf("failed to finalize remote file: %w", err)
	}

	stat, err := conn.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("upload verification failed: %w", err)
	}
	if stat.Size() != localSize {
		return fmt.Errorf("upload verification failed: size mismatch (local=%d, remote=%d)", localSize, stat.Size())
	}

	*uploadMs = time.Since(start).Milliseconds()
	return nil
}

func (c *SFTPChannel) failed(settings transferSettings, lastAttempt, retryCount int, err error) Outcome {
	return Outcome{
		Status:         reports.DeliveryLogStatusFailed,
		RecipientCount: 1,
		FailureCount:   1,
		RetryCount:     retryCount,
		Err:            err,
		Details: map[string]interface{}{
			"method":       "sftp",
			"sftp_config":  maskedSettings(settings),
			"last_attempt": lastAttempt,
		},
	}
}

// ensureRemoteDir walks up from dir to the nearest existing ancestor, then
// creates the missing chain top-down.
func ensureRemoteDir(conn remoteConn, dir string) error {
	var missing []string
	current := dir
	for current != "" && current != "/" && current != "." {
		if _, err := conn.Stat(current); err == nil {
			break
		}
		missing = append(missing, current)
		current = gopath.Dir(current)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := conn.Mkdir(missing[i]); err != nil {
			return err
		}
	}
	return nil
}

// remoteFilename renders the configured pattern against the execution's
// variables plus file naming extras. The local file's extension is appended
// when the rendered name lacks it and the pattern never asked for it.
func remoteFilename(pattern string, req *Request) string {
	now := time.Now()
	ext := strings.TrimPrefix(filepath.Ext(req.FilePath), ".")

	vars := timerange.Variables{}
	for k, v := range req.Vars {
		vars[k] = v
	}
	vars["report_name"] = strings.ReplaceAll(req.Config.ReportName, " ", "_")
	vars["date"] = now.Format("2006-01-02")
	vars["time"] = now.Format("150405")
	vars["datetime"] = now.Format("20060102_150405")
	vars["execution_id"] = req.ExecutionID
	vars["ext"] = ext

	name := timerange.Replace(pattern, vars)
	if !strings.HasSuffix(name, "."+ext) && !strings.Contains(pattern, "{{ext}}") {
		name += "." + ext
	}
	return name
}

func maskedSettings(s transferSettings) map[string]interface{} {
	return map[string]interface{}{
		"host":             s.Host,
		"port":             s.Port,
		"username":         s.Username,
		"password":         "***MASKED***",
		"remote_path":      s.RemotePath,
		"create_directory": s.CreateDirectory,
		"timeout":          s.TimeoutSeconds,
	}
}

// =====================================================
// Real connection
// =====================================================

type sftpSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func dialSFTP(settings transferSettings) (remoteConn, error) {
	config := &ssh.ClientConfig{
		User: settings.Username,
		Auth: []ssh.AuthMethod{ssh.Password(settings.Password)},
		// Destination hosts are provisioned without published host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Duration(settings.TimeoutSeconds) * time.Second,
	}

	addr := net.JoinHostPort(settings.Host, strconv.Itoa(settings.Port))
	sshClient, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh connect to %s failed: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("sftp session on %s failed: %w", addr, err)
	}

	return &sftpSession{ssh: sshClient, sftp: sftpClient}, nil
}

func (s *sftpSession) Stat(path string) (os.FileInfo, error) { return s.sftp.Stat(path) }

func (s *sftpSession) Mkdir(path string) error { return s.sftp.Mkdir(path) }

func (s *sftpSession) Create(path string) (io.WriteCloser, error) { return s.sftp.Create(path) }

func (s *sftpSession) Close() error {
	err := s.sftp.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}
