package logger

import (
	"time"

	"go.uber.org/zap"
)

// Standard HTTP fields.

func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Method(v string) zap.Field    { return zap.String("method", v) }
func Path(v string) zap.Field      { return zap.String("path", v) }
func Status(v int) zap.Field       { return zap.Int("status", v) }
func ClientIP(v string) zap.Field  { return zap.String("client_ip", v) }

func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// Domain fields.

func TokenID(v string) zap.Field  { return zap.String("token_id", v) }
func Slug(v string) zap.Field     { return zap.String("slug", v) }
func EntityID(v string) zap.Field { return zap.String("entity_id", v) }
func Service(v string) zap.Field  { return zap.String("service", v) }

func Err(err error) zap.Field { return zap.Error(err) }
