//go:build !no_automation

package automation

import (
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

// registerFireplaceModule registers the `fireplace` global table in a Lua state.
func registerFireplaceModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return fireplaceOn(L, vm)
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return fireplaceSetFlag(L, e, fireplace.ParamPower, "1")
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return fireplaceSetFlag(L, e, fireplace.ParamPower, "0")
	}))

	mod.RawSetString("light_on", L.NewFunction(func(L *lua.LState) int {
		return fireplaceSetFlag(L, e, fireplace.ParamLight, "1")
	}))

	mod.RawSetString("light_off", L.NewFunction(func(L *lua.LState) int {
		return fireplaceSetFlag(L, e, fireplace.ParamLight, "0")
	}))

	mod.RawSetString("set_height", L.NewFunction(func(L *lua.LState) int {
		return fireplaceSetLevel(L, e, fireplace.ParamHeight)
	}))

	mod.RawSetString("set_fan", L.NewFunction(func(L *lua.LState) int {
		return fireplaceSetLevel(L, e, fireplace.ParamFanSpeed)
	}))

	mod.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		return fireplaceSet(L, e)
	}))

	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		return fireplaceState(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return fireplaceDevices(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return fireplaceAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return fireplaceLog(L, e)
	}))

	L.SetGlobal("fireplace", mod)
}

const maxHandlersPerScript = 100

// fireplace.on(type, filter, callback)
func fireplaceOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("serial"); v != lua.LNil {
		h.serial = v.String()
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

// fireplace.turn_on/turn_off/light_on/light_off(serial_or_name)
func fireplaceSetFlag(L *lua.LState, e *Engine, param, value string) int {
	target := L.CheckString(1)
	serial, ok := resolveDevice(e, target)
	if !ok {
		e.logger.Warn("fireplace not found", "target", target)
		return 0
	}

	if err := e.ctrl.SubmitCommand(serial, param, value); err != nil {
		e.logger.Error("script command", "err", err, "target", target, "param", param)
	}
	return 0
}

// fireplace.set_height/set_fan(serial_or_name, level)
func fireplaceSetLevel(L *lua.LState, e *Engine, param string) int {
	target := L.CheckString(1)
	level := L.CheckInt(2)

	serial, ok := resolveDevice(e, target)
	if !ok {
		e.logger.Warn("fireplace not found", "target", target)
		return 0
	}

	if err := e.ctrl.SubmitCommand(serial, param, strconv.Itoa(level)); err != nil {
		e.logger.Error("script command", "err", err, "target", target, "param", param)
	}
	return 0
}

// fireplace.set(serial_or_name, param, value)
func fireplaceSet(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	param := L.CheckString(2)
	value := L.CheckString(3)

	serial, ok := resolveDevice(e, target)
	if !ok {
		e.logger.Warn("fireplace not found", "target", target)
		return 0
	}

	if err := e.ctrl.SubmitCommand(serial, param, value); err != nil {
		e.logger.Error("script command", "err", err, "target", target, "param", param)
	}
	return 0
}

// fireplace.state(serial_or_name) — returns a state table or nil
func fireplaceState(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	serial, ok := resolveDevice(e, target)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}

	st, ok := e.ctrl.State(serial)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}

	tbl := L.NewTable()
	tbl.RawSetString("serial", lua.LString(serial))
	tbl.RawSetString("power", lua.LBool(st.Power))
	tbl.RawSetString("ack_power", lua.LBool(st.AckPower))
	tbl.RawSetString("height", lua.LNumber(st.Height))
	tbl.RawSetString("fanspeed", lua.LNumber(st.FanSpeed))
	tbl.RawSetString("light", lua.LBool(st.Light))
	L.Push(tbl)
	return 1
}

// fireplace.devices() — returns a table of all fireplaces
func fireplaceDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, dev := range e.ctrl.Devices() {
		d := L.NewTable()
		d.RawSetString("serial", lua.LString(dev.Serial))
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("brand", lua.LString(dev.Brand))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// fireplace.after(seconds, callback) — delayed execution
func fireplaceAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// fireplace.log(msg)
func fireplaceLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// resolveDevice finds a fireplace by serial or display name and returns its
// serial.
func resolveDevice(e *Engine, target string) (string, bool) {
	devices := e.ctrl.Devices()
	for _, dev := range devices {
		if dev.Serial == target {
			return dev.Serial, true
		}
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.Name, target) {
			return dev.Serial, true
		}
	}
	return "", false
}
