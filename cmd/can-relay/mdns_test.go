package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartMDNSDisabled(t *testing.T) {
	orig := registerService
	t.Cleanup(func() { registerService = orig })
	registerService = func(string, string, string, int, []string) (func(), error) {
		t.Fatal("register called while disabled")
		return nil, nil
	}
	cleanup, err := startMDNS(context.Background(), defaultConfig(), 47000)
	require.NoError(t, err)
	cleanup()
}

func TestStartMDNSRegisters(t *testing.T) {
	orig := registerService
	t.Cleanup(func() { registerService = orig })
	var gotInstance, gotService string
	var gotPort int
	var gotText []string
	var shut atomic.Int32
	registerService = func(instance, service, domain string, port int, text []string) (func(), error) {
		gotInstance, gotService, gotPort, gotText = instance, service, port, text
		return func() { shut.Add(1) }, nil
	}
	cfg := defaultConfig()
	cfg.mdnsEnable = true
	cfg.mdnsName = "relay-a"
	cfg.role = roleRx

	ctx, cancel := context.WithCancel(context.Background())
	cleanup, err := startMDNS(ctx, cfg, 47001)
	require.NoError(t, err)
	assert.Equal(t, "relay-a", gotInstance)
	assert.Equal(t, mdnsServiceType, gotService)
	assert.Equal(t, 47001, gotPort)
	assert.Contains(t, gotText, "role=rx")
	assert.Contains(t, gotText, "can=can0")

	cancel()
	require.Eventually(t, func() bool { return shut.Load() == 1 }, time.Second, 5*time.Millisecond)
	cleanup()
}

func TestStartMDNSError(t *testing.T) {
	orig := registerService
	t.Cleanup(func() { registerService = orig })
	registerService = func(string, string, string, int, []string) (func(), error) {
		return nil, errors.New("no multicast")
	}
	cfg := defaultConfig()
	cfg.mdnsEnable = true
	_, err := startMDNS(context.Background(), cfg, 1)
	assert.ErrorContains(t, err, "mdns register")
}

func TestMDNSInstanceDefault(t *testing.T) {
	assert.Contains(t, mdnsInstance(defaultConfig()), "can-relay-")
}
