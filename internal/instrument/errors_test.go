package instrument_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"codeberg.org/mutker/cellctl/internal/instrument"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceErrorCarriesOperation(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := fmt.Errorf("sampling: %w", instrument.NewDeviceError("load", "ReadVoltage", cause))

	require.True(t, instrument.IsDeviceError(err))
	op, ok := instrument.OperationOf(err)
	require.True(t, ok)
	assert.Equal(t, "load", op.Device)
	assert.Equal(t, "ReadVoltage", op.Name)
	assert.Equal(t, "load.ReadVoltage", op.String())
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "load.ReadVoltage")
}

func TestNewDeviceErrorNil(t *testing.T) {
	assert.NoError(t, instrument.NewDeviceError("source", "SetOutputEnabled", nil))

	_, ok := instrument.OperationOf(stderrors.New("plain"))
	assert.False(t, ok)
}

func TestMeterMode(t *testing.T) {
	assert.True(t, instrument.MeterVoltage.Enabled())
	assert.True(t, instrument.MeterThermocouple.Enabled())
	assert.False(t, instrument.MeterNone.Enabled())
	assert.True(t, instrument.MeterMode("").IsValid())
	assert.False(t, instrument.MeterMode("ohms").IsValid())
}
