// Command hash-admin-password derives the PBKDF2 hash expected by the
// VIDGATE_ADMIN_PASSWORD_HASH setting.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"vidgate/internal/auth"
)

func main() {
	password := flag.String("password", "", "password to hash (omit to read from stdin)")
	flag.Parse()

	candidate := *password
	if candidate == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			fatalf("read password: %v", err)
		}
		candidate = strings.TrimRight(line, "\r\n")
	}

	hash, err := auth.HashPassword(candidate)
	if err != nil {
		fatalf("hash password: %v", err)
	}
	fmt.Println(hash)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
