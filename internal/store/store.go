package store

import (
	"context"

	"github.com/castline/castline/internal/types"
)

// Store defines the interface contract for the local record store.
type Store interface {
	GetAllTrips(ctx context.Context) ([]types.Trip, error)
	GetTrip(ctx context.Context, id string) (*types.Trip, error)
	CreateTrip(ctx context.Context, trip types.Trip) (*types.Trip, error)
	UpdateTrip(ctx context.Context, trip types.Trip) error
	DeleteTrip(ctx context.Context, id string) error

	GetAllWeatherLogs(ctx context.Context) ([]types.WeatherLog, error)
	GetWeatherLogsForTrip(ctx context.Context, tripID string) ([]types.WeatherLog, error)
	CreateWeatherLog(ctx context.Context, log types.WeatherLog) (*types.WeatherLog, error)
	DeleteWeatherLog(ctx context.Context, id string) error

	GetAllFishCaught(ctx context.Context) ([]types.FishCaught, error)
	GetFishCaughtForTrip(ctx context.Context, tripID string) ([]types.FishCaught, error)
	CreateFishCaught(ctx context.Context, fish types.FishCaught) (*types.FishCaught, error)
	DeleteFishCaught(ctx context.Context, id string) error

	// KV is the checkpoint/session persistence used by the guest session
	// tracker and the encryption migration engine.
	KVGet(ctx context.Context, key string) (string, bool, error)
	KVSet(ctx context.Context, key, value string) error
	KVRemove(ctx context.Context, key string) error

	ClearAllData(ctx context.Context) error
	Close() error
}
