package logger

import (
	"time"

	"go.uber.org/zap"
)

// HTTP fields.

func RequestID(v string) zap.Field       { return zap.String("request_id", v) }
func Method(v string) zap.Field          { return zap.String("method", v) }
func Path(v string) zap.Field            { return zap.String("path", v) }
func Status(v int) zap.Field             { return zap.Int("status", v) }
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }
func Bytes(v int) zap.Field              { return zap.Int("bytes", v) }

// Domain fields.

func AccountID(v string) zap.Field   { return zap.String("account_id", v) }
func ClientID(v string) zap.Field    { return zap.String("client_id", v) }
func Interaction(v string) zap.Field { return zap.String("interaction", v) }
func Prompt(v string) zap.Field      { return zap.String("prompt", v) }
func CheckName(v string) zap.Field   { return zap.String("check", v) }

// Code-location fields, used to tag log lines by layer/component/operation.

func Layer(v string) zap.Field     { return zap.String("layer", v) }
func Component(v string) zap.Field { return zap.String("component", v) }
func Op(v string) zap.Field        { return zap.String("op", v) }

// Err is the standard error field.
func Err(err error) zap.Field { return zap.Error(err) }
