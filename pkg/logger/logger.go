package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例，未初始化时输出到 stdout
	Logger = newBase(logrus.InfoLevel, os.Stdout)

	logMu          sync.Mutex
	currentLogFile string
	savedConfig    Config
	currentDay     string
)

// Config 日志配置
type Config struct {
	Level      string // 日志级别: debug, info, warn, error
	OutputFile string // 日志文件路径（为空则只输出到控制台）
	MaxSize    int    // 单个文件最大大小（MB）
	MaxBackups int    // 保留的旧文件数量
	MaxAge     int    // 保留天数
	Compress   bool   // 是否压缩旧文件
	ByDay      bool   // 按天命名日志文件: logs/bot_2025-01-02.log
}

func newBase(level logrus.Level, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(textFormatter())
	l.SetOutput(out)
	return l
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // yy-mm-dd HH:MM:ss
	}
}

// dayFileName logs/bot.log -> logs/bot_2025-01-02.log
func dayFileName(basePath string, day string) string {
	dir := filepath.Dir(basePath)
	base := filepath.Base(basePath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	file := fmt.Sprintf("%s_%s%s", name, day, ext)
	if dir == "." || dir == "" {
		return file
	}
	return filepath.Join(dir, file)
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()
	return initLocked(config, time.Now())
}

func initLocked(config Config, now time.Time) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	writers := []io.Writer{os.Stdout}
	if config.OutputFile != "" {
		path := config.OutputFile
		if config.ByDay {
			currentDay = now.Format("2006-01-02")
			path = dayFileName(config.OutputFile, currentDay)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
		currentLogFile = path
	}
	savedConfig = config

	out := io.MultiWriter(writers...)
	Logger = newBase(level, out)

	// 同步全局 logrus，直接使用 logrus.WithField 的地方也写入文件
	logrus.SetOutput(out)
	logrus.SetLevel(level)
	logrus.SetFormatter(textFormatter())
	return nil
}

// InitDefault 使用默认配置初始化
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/bot.log",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
		ByDay:      true,
	})
}

// RotateIfDayChanged 跨天时切换日志文件
func RotateIfDayChanged(now time.Time) error {
	logMu.Lock()
	defer logMu.Unlock()
	if !savedConfig.ByDay || savedConfig.OutputFile == "" {
		return nil
	}
	if now.Format("2006-01-02") == currentDay {
		return nil
	}
	old := currentLogFile
	if err := initLocked(savedConfig, now); err != nil {
		return err
	}
	Logger.Infof("日志文件切换: %s -> %s", old, currentLogFile)
	return nil
}

// StartRotationChecker 后台每分钟检查一次是否跨天
func StartRotationChecker(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if err := RotateIfDayChanged(now); err != nil {
					Logger.Errorf("日志轮转失败: %v", err)
				}
			}
		}
	}()
}

// CurrentFile 当前日志文件路径
func CurrentFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}

// Component 返回带 component 字段的 entry
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields 添加多个字段
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }
func Info(args ...interface{})                  { Logger.Info(args...) }
func Infof(format string, args ...interface{})  { Logger.Infof(format, args...) }
func Warn(args ...interface{})                  { Logger.Warn(args...) }
func Warnf(format string, args ...interface{})  { Logger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }
