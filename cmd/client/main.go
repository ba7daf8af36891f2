// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/absmach/topicd/client"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

const (
	envBroker   = "TOPICD_BROKER"
	envUsername = "TOPICD_USERNAME"
	envUDPPort  = "TOPICD_UDP_PORT"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, color.RedString("failed to load .env: %v", err))
	}

	server := flag.String("broker", envOr(envBroker, client.DefaultServer), "Broker command address")
	username := flag.String("username", os.Getenv(envUsername), "Username to register")
	udpPort := flag.Int("udp-port", envInt(envUDPPort), "UDP port for deliveries (0 picks a free one)")
	persistent := flag.Bool("persistent", false, "Keep one connection for all commands")
	verbose := flag.Bool("v", false, "Log client activity")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	in := bufio.NewScanner(os.Stdin)
	if *username == "" {
		name, ok := prompt(in, "Enter your username: ")
		if !ok {
			os.Exit(1)
		}
		*username = name
	}

	opts := client.NewOptions().
		SetServer(*server).
		SetUsername(*username).
		SetUDPPort(*udpPort).
		SetPersistent(*persistent).
		SetLogger(logger).
		SetOnMessage(func(topic, content string) {
			fmt.Printf("\n%s %s\n", color.CyanString("[%s]", topic), content)
		}).
		SetOnDirectMessage(func(from, content string) {
			fmt.Printf("\n%s %s\n", color.MagentaString("%s:", from), content)
		})

	c, err := client.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("failed to start client: %v", err))
		os.Exit(1)
	}
	defer c.Close()

	fmt.Println(color.GreenString("Registered as %s (udp port %d)", c.Username(), c.ListenPort()))
	run(c, in)
}

// run serves the menu until the user picks exit or stdin is exhausted.
func run(c *client.Client, in *bufio.Scanner) {
	for {
		fmt.Println("\nMenu:")
		fmt.Println("1. Request list of topics")
		fmt.Println("2. Subscribe to a topic")
		fmt.Println("3. Create a topic")
		fmt.Println("4. List users subscribed to a topic")
		fmt.Println("5. List all users")
		fmt.Println("6. Message another user")
		fmt.Println("7. Publish to a topic")
		fmt.Println("8. Exit")

		choice, ok := prompt(in, "Select an option: ")
		if !ok || choice == "8" {
			fmt.Println("Exiting...")
			return
		}
		if err := execute(c, in, choice); err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("Exiting...")
				return
			}
			report(err)
		}
	}
}

// execute runs one menu choice. It returns io.EOF when stdin runs out while
// asking for the choice's arguments.
func execute(c *client.Client, in *bufio.Scanner, choice string) error {
	switch choice {
	case "1":
		topics, err := c.Topics()
		if err != nil {
			return err
		}
		printList("Available topics:", topics)
	case "2":
		topic, ok := prompt(in, "Enter topic name to subscribe: ")
		if !ok {
			return io.EOF
		}
		if err := c.Subscribe(topic); err != nil {
			return err
		}
		fmt.Println(color.GreenString("Subscribed to %s", topic))
	case "3":
		topic, ok := prompt(in, "Enter topic name to create: ")
		if !ok {
			return io.EOF
		}
		if err := c.CreateTopic(topic); err != nil {
			return err
		}
		fmt.Println(color.GreenString("Created topic: %s", topic))
	case "4":
		topic, ok := prompt(in, "Enter topic name to list users: ")
		if !ok {
			return io.EOF
		}
		users, err := c.UsersByTopic(topic)
		if err != nil {
			return err
		}
		printList(fmt.Sprintf("Users subscribed to %s:", topic), users)
	case "5":
		users, err := c.Users()
		if err != nil {
			return err
		}
		printList("All users:", users)
	case "6":
		target, ok := prompt(in, "Enter the username to message: ")
		if !ok {
			return io.EOF
		}
		msg, ok := prompt(in, "Enter your message: ")
		if !ok {
			return io.EOF
		}
		if err := c.MessageUser(target, msg); err != nil {
			return err
		}
		fmt.Println(color.GreenString("Sent message to %s", target))
	case "7":
		topic, ok := prompt(in, "Enter topic name to publish to: ")
		if !ok {
			return io.EOF
		}
		msg, ok := prompt(in, "Enter your message: ")
		if !ok {
			return io.EOF
		}
		if err := c.Publish(topic, msg); err != nil {
			return err
		}
		fmt.Println(color.GreenString("Published to %s", topic))
	default:
		fmt.Println(color.YellowString("Invalid option. Please try again."))
	}
	return nil
}

func report(err error) {
	if errors.Is(err, client.ErrUserNotFound) {
		fmt.Println(color.YellowString("User not found."))
		return
	}
	fmt.Println(color.RedString("Error: %v", err))
}

// prompt reads one trimmed line. ok is false once stdin is exhausted; a blank
// line is returned as "" with ok set.
func prompt(in *bufio.Scanner, label string) (string, bool) {
	fmt.Print(color.CyanString(label))
	if !in.Scan() {
		return "", false
	}
	return strings.TrimSpace(in.Text()), true
}

func printList(title string, items []string) {
	fmt.Println(color.GreenString(title))
	if len(items) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, item := range items {
		fmt.Println("  " + item)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}
