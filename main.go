package main

import (
	"nutelladb/dbcli"
)

func main() {
	dbcli.Execute()
}
