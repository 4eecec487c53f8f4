package sdr

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes how to reach a radio's Linux shell to read sensors
// from sysfs when the control driver does not expose them.
type SSHConfig struct {
	Host      string
	User      string
	Password  string
	KeyPath   string
	Port      int
	SysfsRoot string
	// Sensors maps a sensor name to a path relative to SysfsRoot. Defaults
	// cover ZYNQ_TEMP, LMS7_TEMP and FE_TEMP.
	Sensors map[string]string
}

var defaultSensorPaths = map[string]string{
	"ZYNQ_TEMP": "bus/iio/devices/iio:device0/in_temp0_input",
	"LMS7_TEMP": "class/hwmon/hwmon0/temp1_input",
	"FE_TEMP":   "class/hwmon/hwmon1/temp1_input",
}

// SSHSensorReader reads sensor files over one cached SSH connection.
type SSHSensorReader struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
}

// NewSSHSensorReader validates configuration and prepares a reader.
func NewSSHSensorReader(cfg SSHConfig) (*SSHSensorReader, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for sensor reads")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys"
	}
	sensors := make(map[string]string, len(defaultSensorPaths)+len(cfg.Sensors))
	for k, v := range defaultSensorPaths {
		sensors[k] = v
	}
	for k, v := range cfg.Sensors {
		sensors[k] = v
	}
	cfg.Sensors = sensors
	return &SSHSensorReader{cfg: cfg}, nil
}

// ReadSensor implements SensorReader. Millidegree temperature files are
// converted to degrees.
func (r *SSHSensorReader) ReadSensor(ctx context.Context, name string) (string, error) {
	target, err := r.sensorPath(name)
	if err != nil {
		return "", err
	}
	client, err := r.dial(ctx)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.Output("cat " + shellQuote(target))
	if err != nil {
		return "", fmt.Errorf("read sensor %s via ssh: %w", name, err)
	}
	return formatSensor(strings.TrimSpace(string(out))), nil
}

// Close drops the cached connection.
func (r *SSHSensorReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHSensorReader) sensorPath(name string) (string, error) {
	rel, ok := r.cfg.Sensors[name]
	if !ok {
		return "", fmt.Errorf("unknown sensor %q", name)
	}
	return path.Join(r.cfg.SysfsRoot, rel), nil
}

func (r *SSHSensorReader) dial(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	auth := []ssh.AuthMethod{}
	if r.cfg.Password != "" {
		auth = append(auth, ssh.Password(r.cfg.Password))
	}
	if r.cfg.KeyPath != "" {
		key, err := os.ReadFile(r.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	r.client = ssh.NewClient(clientConn, chans, reqs)
	return r.client, nil
}

// formatSensor turns an integer millidegree reading into degrees with one
// decimal. Anything else is returned unchanged.
func formatSensor(raw string) string {
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1000 && v > -1000 {
		return raw
	}
	return strconv.FormatFloat(float64(v)/1000, 'f', 1, 64)
}

// shellQuote returns a value wrapped in single quotes with embedded quotes escaped
// for safe shell usage.
func shellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", "'\\''")
	return fmt.Sprintf("'%s'", escaped)
}
