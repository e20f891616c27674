package log

import (
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/srte/internal/config"
)

func (m *MultiWriter) AddFileAppender(options config.FileOutputConfig) *MultiWriter {
	writer := &lumberjack.Logger{
		Filename:   options.Path,
		MaxSize:    options.Rotation.MaxSizeMB,  // megabytes
		MaxBackups: options.Rotation.MaxBackups, // number of backups
		MaxAge:     options.Rotation.MaxAgeDays, // days
		Compress:   options.Rotation.Compress,   // compress the backups
	}
	m.writers = append(m.writers, writer)
	return m
}
