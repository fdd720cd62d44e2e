package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/rpc"
	"os"
	"strings"

	"github.com/openraftlabs/openraft/pkg/raft"
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: raftctl -address <addr> -command <cmd> [args]

Commands:
  status                               node status
  leader                               current leader id
  set    -key K -value V               replicate a write
  get    -key K                        read from the local node
  del    -key K                        replicate a delete
  add-learner -member ID -member-addr A  add a learner node
  change-membership -members ID,ID,...   set the voter set`)
	os.Exit(1)
}

func main() {
	var (
		address    = flag.String("address", "localhost:8080", "node RPC address")
		command    = flag.String("command", "", "command to run")
		key        = flag.String("key", "", "key for set/get/del")
		value      = flag.String("value", "", "value for set")
		member     = flag.String("member", "", "node id for add-learner")
		memberAddr = flag.String("member-addr", "", "node address for add-learner")
		members    = flag.String("members", "", "comma-separated voter ids for change-membership")
	)
	flag.Parse()

	if *command == "" {
		usage()
	}

	client, err := rpc.Dial("tcp", *address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	switch *command {
	case "status":
		var status raft.Status
		if err := client.Call("Cluster.Status", &struct{}{}, &status); err != nil {
			fatal(err)
		}
		out, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(out))
	case "leader":
		var leader string
		if err := client.Call("Cluster.Leader", &struct{}{}, &leader); err != nil {
			fatal(err)
		}
		fmt.Println(leader)
	case "set", "del":
		if *key == "" {
			fmt.Fprintln(os.Stderr, "Error: -key is required")
			os.Exit(1)
		}
		op := "set"
		if *command == "del" {
			op = "delete"
		}
		var reply struct {
			Index  uint64
			Result string
		}
		args := struct{ Op, Key, Value string }{op, *key, *value}
		if err := client.Call("Cluster.Apply", &args, &reply); err != nil {
			fatal(err)
		}
		fmt.Printf("%s at index %d\n", reply.Result, reply.Index)
	case "get":
		if *key == "" {
			fmt.Fprintln(os.Stderr, "Error: -key is required")
			os.Exit(1)
		}
		var v string
		if err := client.Call("Cluster.Get", key, &v); err != nil {
			fatal(err)
		}
		fmt.Println(v)
	case "add-learner":
		if *member == "" {
			fmt.Fprintln(os.Stderr, "Error: -member is required")
			os.Exit(1)
		}
		args := struct{ ID, Address string }{*member, *memberAddr}
		var index uint64
		if err := client.Call("Cluster.AddLearner", &args, &index); err != nil {
			fatal(err)
		}
		fmt.Printf("learner %s added at index %d\n", *member, index)
	case "change-membership":
		if *members == "" {
			fmt.Fprintln(os.Stderr, "Error: -members is required")
			os.Exit(1)
		}
		var voters []string
		for _, id := range strings.Split(*members, ",") {
			voters = append(voters, strings.TrimSpace(id))
		}
		var index uint64
		if err := client.Call("Cluster.ChangeMembership", &voters, &index); err != nil {
			fatal(err)
		}
		fmt.Printf("membership %v committed at index %d\n", voters, index)
	default:
		usage()
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
