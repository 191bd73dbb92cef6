package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/hongjun500/tunnel-go/internal/transport"
)

// Store 持有配置与其底层 viper 实例。path 为空时只改内存，进程内生效；
// 否则传输切换等更新通过 WriteConfigAs 落回原文件。
type Store struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
	cfg  *Config
}

// Load 读配置文件（缺失则用默认值）、套环境变量、做校验。
// path 需要带 .yaml 之类的扩展名，viper 据此识别格式。
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			// 没有配置文件就按默认值加环境变量跑
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{v: v, path: path, cfg: &cfg}, nil
}

// Config 返回当前配置快照
func (s *Store) Config() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// SetTransportKind 更新传输选择并持久化
func (s *Store) SetTransportKind(kind transport.Kind, requiresRestart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedAt := time.Now().Format(time.RFC3339)
	s.v.Set("transport.type", string(kind))
	s.v.Set("transport.updated_at", updatedAt)
	s.v.Set("transport.requires_restart", requiresRestart)
	s.cfg.Transport.Type = string(kind)
	s.cfg.Transport.UpdatedAt = updatedAt
	s.cfg.Transport.RequiresRestart = requiresRestart

	if s.path == "" {
		return nil
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("persist config %s: %w", s.path, err)
	}
	return nil
}
