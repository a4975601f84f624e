package queue

import (
	"github.com/DoNewsCode/core-drain/store"
	"github.com/DoNewsCode/core/contract"
	"github.com/go-kit/kit/log"
)

type providersOption struct {
	store            store.Store
	storeConstructor func(args StoreConstructorArgs) (store.Store, error)
}

// ProvidersOptionFunc is the type of functional providersOption for Providers. Use this type to change how Providers work.
type ProvidersOptionFunc func(options *providersOption)

// WithStore instructs the Providers to accept a store
// different from the default one. This option supersedes the
// WithStoreConstructor option.
func WithStore(s store.Store) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.store = s
	}
}

// WithStoreConstructor instructs the Providers to accept an alternative constructor for the store.
// If the WithStore option is set, this option becomes an no-op.
func WithStoreConstructor(f func(args StoreConstructorArgs) (store.Store, error)) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.storeConstructor = f
	}
}

// StoreConstructorArgs are arguments to construct the store. See WithStoreConstructor.
type StoreConstructorArgs struct {
	Name      string
	Conf      Configuration
	Logger    log.Logger
	AppName   contract.AppName
	Env       contract.Env
	Populator contract.DIPopulator
}
