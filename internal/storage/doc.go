// Package storage persists PetChat users, chat history, extracted memories
// and AI token usage. SQLiteStore is the durable store; RedisUsage mirrors
// usage counters into a shared Redis hash.
package storage
