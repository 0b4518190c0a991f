// Команда ledgerctl обслуживает награды реферальной программы: пересчет
// активаций, открытие и выдача порогов, миграции схемы.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(defaultEnv()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}
