package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func bind(v *viper.Viper, f *pflag.Flag, key string) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
