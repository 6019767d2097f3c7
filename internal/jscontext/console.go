package jscontext

import (
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"
)

// zapPrinter routes a frame's console output to the logger.
type zapPrinter struct {
	logger *zap.Logger
}

func (p zapPrinter) Log(s string)   { p.logger.Info(s) }
func (p zapPrinter) Warn(s string)  { p.logger.Warn(s) }
func (p zapPrinter) Error(s string) { p.logger.Error(s) }

// enableConsole installs require() and a console object that writes to
// logger.
func enableConsole(vm *goja.Runtime, logger *zap.Logger) {
	registry := new(require.Registry)
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(zapPrinter{logger: logger}))
	registry.Enable(vm)
	console.Enable(vm)
}
