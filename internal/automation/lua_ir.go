//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerIRModule registers the `ir` global table in a Lua state.
func registerIRModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return irOn(L, vm)
	}))

	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return irSend(L, e)
	}))

	mod.RawSetString("send_code", L.NewFunction(func(L *lua.LState) int {
		return irSendCode(L, e)
	}))

	mod.RawSetString("stop", L.NewFunction(func(L *lua.LState) int {
		return irStop(L, e)
	}))

	mod.RawSetString("raw", L.NewFunction(func(L *lua.LState) int {
		return irRaw(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return irAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return irLog(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return irDevices(L, e)
	}))

	L.SetGlobal("ir", mod)
}

const maxHandlersPerScript = 100

// ir.on(type, filter, callback) registers an event handler. The filter
// table takes optional id and port keys.
func irOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("id"); v != lua.LNil {
		h.deviceID = v.String()
	}
	if v := filterTable.RawGetString("port"); v != lua.LNil {
		h.port = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// ir.send(device_id, code [, port [, repeat]]) sends a raw infrared code.
func irSend(L *lua.LState, e *Engine) int {
	deviceID := L.CheckString(1)
	code := L.CheckString(2)
	port := L.OptString(3, "")
	repeat := L.OptInt(4, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.bridge.SendIR(ctx, deviceID, port, code, repeat); err != nil {
		e.logger.Error("ir.send", "device", deviceID, "err", err)
	}
	return 0
}

// ir.send_code(device_id, name [, port]) sends a stored code by name.
func irSendCode(L *lua.LState, e *Engine) int {
	deviceID := L.CheckString(1)
	name := L.CheckString(2)
	port := L.OptString(3, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.bridge.SendStored(ctx, deviceID, port, name); err != nil {
		e.logger.Error("ir.send_code", "device", deviceID, "name", name, "err", err)
	}
	return 0
}

// ir.stop(device_id [, port])
func irStop(L *lua.LState, e *Engine) int {
	deviceID := L.CheckString(1)
	port := L.OptString(2, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.bridge.StopIR(ctx, deviceID, port); err != nil {
		e.logger.Error("ir.stop", "device", deviceID, "err", err)
	}
	return 0
}

// ir.raw(device_id, command) passes a protocol command through and
// returns the reply, or nil on failure.
func irRaw(L *lua.LState, e *Engine) int {
	deviceID := L.CheckString(1)
	command := L.CheckString(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := e.bridge.SendRaw(ctx, deviceID, command)
	if err != nil {
		e.logger.Error("ir.raw", "device", deviceID, "err", err)
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(reply))
	return 1
}

// ir.after(seconds, callback) runs a callback after a delay.
func irAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		// Send callback execution to the VM's command channel
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// ir.log(msg)
func irLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// ir.devices() returns a table of all configured devices.
func irDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, dev := range e.bridge.Devices() {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(dev.ID))
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("address", lua.LString(dev.Address))
		d.RawSetString("connected", lua.LBool(dev.Connected))
		ports := L.NewTable()
		for j, addr := range dev.IRPortAddresses() {
			ports.RawSetInt(j+1, lua.LString(addr))
		}
		d.RawSetString("ports", ports)
		tbl.RawSetInt(i+1, d)
	}

	L.Push(tbl)
	return 1
}
