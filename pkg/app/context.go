package app

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-espboot/internal/config"
	"github.com/deploymenttheory/go-espboot/internal/logging"
)

// Context holds application-wide configuration and state
type Context struct {
	context.Context

	// Output preferences
	OutputFormat string
	Verbose      bool
	Quiet        bool

	// Out receives formatted reports
	Out io.Writer

	Config *config.Config
	Logger logrus.FieldLogger

	// Common timeouts
	DefaultTimeout time.Duration
}

// NewContext creates a new application context
func NewContext(cfg *config.Config) *Context {
	return &Context{
		Context:        context.Background(),
		OutputFormat:   "table",
		Out:            os.Stdout,
		Config:         cfg,
		Logger:         logging.Discard(),
		DefaultTimeout: 30 * time.Second,
	}
}

// SetupLogger builds the logger from the configuration and the verbosity
// flags. Verbose forces debug, quiet keeps only errors.
func (c *Context) SetupLogger(output io.Writer) error {
	opts := logging.Options{Output: output}
	if c.Config != nil {
		opts.Level = c.Config.Log.Level
		opts.Format = c.Config.Log.Format
	}
	switch {
	case c.Quiet:
		opts.Level = "error"
	case c.Verbose:
		opts.Level = "debug"
	}
	logger, err := logging.New(opts)
	if err != nil {
		return NewError(ErrCodeInvalidInput, "invalid logging configuration", err)
	}
	c.Logger = logger
	return nil
}

// WithTimeout creates a context with timeout
func (c *Context) WithTimeout(timeout time.Duration) (*Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(c.Context, timeout)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// Log outputs a message based on verbosity settings
func (c *Context) Log(message string) {
	if !c.Quiet && c.Verbose {
		c.Logger.Info(message)
	}
}

// Error outputs an error message unless quiet
func (c *Context) Error(message string) {
	if !c.Quiet {
		c.Logger.Error(message)
	}
}
