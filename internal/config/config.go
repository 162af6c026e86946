package config

import (
	"os"
	"strconv"
	"time"
)

// Config 进程级配置，全部来自环境变量，带默认值
type Config struct {
	// Server
	ServiceName string // RFCOMM 服务名，发布到 SDP 记录
	ServiceUUID string // SPP UUID
	TCPAddr     string // TCP 回退传输的监听地址（无 BlueZ 环境/测试用）

	// Observability
	ObserveAddr string // /metrics 和 /healthz 的 HTTP 地址，空串表示不启动

	// Connection
	HeartbeatInterval time.Duration // 心跳周期
	ReadProbes        int           // 读错误后的原地探测次数
	ProbeDelay        time.Duration // 探测间隔
	OutBuffer         int           // 通知队列缓冲大小

	// Client
	ScanTimeout    time.Duration // 默认扫描时长
	ConnectTimeout time.Duration // 拨号超时

	// Reconnect defaults（运行期可改，见 reconnect.Config）
	ReconnectEnabled      bool
	ReconnectMaxAttempts  int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getMillis(key string, def time.Duration) time.Duration {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func getBool(key string, def bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return def
	}
	return b
}

func Load() *Config {
	return &Config{
		ServiceName: getEnv("BT_SERVICE_NAME", "BtransferFileService"),
		ServiceUUID: getEnv("BT_SERVICE_UUID", "00001101-0000-1000-8000-00805f9b34fb"),
		TCPAddr:     getEnv("BT_TCP_ADDR", ":8725"),

		ObserveAddr: getEnv("BT_OBSERVE_ADDR", ""),

		HeartbeatInterval: getMillis("BT_HEARTBEAT_MS", 30*time.Second),
		ReadProbes:        getInt("BT_READ_PROBES", 3),
		ProbeDelay:        getMillis("BT_PROBE_DELAY_MS", 2*time.Second),
		OutBuffer:         getInt("BT_OUTBUF", 256),

		ScanTimeout:    getMillis("BT_SCAN_TIMEOUT_MS", 15*time.Second),
		ConnectTimeout: getMillis("BT_CONNECT_TIMEOUT_MS", 10*time.Second),

		ReconnectEnabled:      getBool("BT_RECONNECT_ENABLED", true),
		ReconnectMaxAttempts:  getInt("BT_RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectInitialDelay: getMillis("BT_RECONNECT_INITIAL_MS", 2*time.Second),
		ReconnectMaxDelay:     getMillis("BT_RECONNECT_MAX_MS", 30*time.Second),
	}
}
