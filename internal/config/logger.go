package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger 初始化全局日志
func InitLogger(cfg *Config) error {
	return ConfigureLogger(logrus.StandardLogger(), cfg)
}

// ConfigureLogger 按配置设置给定 logger 的级别、格式与输出
func ConfigureLogger(logger *logrus.Logger, cfg *Config) error {
	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using 'info'", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// 设置日志格式
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	// 设置日志输出
	switch strings.ToLower(cfg.Log.Output) {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "file":
		rotateLogger, err := newRotateLogger(cfg.Log)
		if err != nil {
			return err
		}
		logger.SetOutput(rotateLogger)
	case "both":
		// 同时输出到控制台和文件
		rotateLogger, err := newRotateLogger(cfg.Log)
		if err != nil {
			return err
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotateLogger))
	default:
		logger.SetOutput(os.Stdout)
	}

	logger.Infof("Logger initialized - Level: %s, Format: %s, Output: %s",
		cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)

	return nil
}

// newRotateLogger 创建按大小轮转的日志文件
func newRotateLogger(lc LogConfig) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(lc.FilePath), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize,    // MB
		MaxBackups: lc.MaxBackups, // 保留文件数
		MaxAge:     lc.MaxAge,     // 保留天数
		Compress:   lc.Compress,
		LocalTime:  true,
	}, nil
}