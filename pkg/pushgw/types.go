package pushgw

import "time"

// Config 推送网关客户端配置
type Config struct {
	BaseURL    string
	ServerKey  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "https://fcm.googleapis.com",
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Notification 通知展示内容
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Message 发往单个设备的消息
type Message struct {
	To           string         `json:"to"`
	Notification Notification   `json:"notification"`
	Data         map[string]any `json:"data,omitempty"`
	Priority     string         `json:"priority,omitempty"`
}

// SendResult 单个目标的发送结果
type SendResult struct {
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendResponse 网关响应
type SendResponse struct {
	MulticastID int64        `json:"multicast_id"`
	Success     int          `json:"success"`
	Failure     int          `json:"failure"`
	Results     []SendResult `json:"results"`
}

// ErrorResponse 网关错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
