// Command discover lists analyzer bridges advertised on the local network.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/rjboer/GoInspect/internal/mdns"
)

func main() {
	timeout := pflag.DurationP("timeout", "t", 5*time.Second, "Browse timeout")
	pflag.Parse()

	fmt.Println("===============================================================")
	fmt.Println(" GoInspect discovery")
	fmt.Println("===============================================================")
	fmt.Printf(" Service : %s.local\n", mdns.Service)
	fmt.Printf(" Timeout : %s\n", *timeout)
	fmt.Println("---------------------------------------------------------------")

	start := time.Now()
	hosts, err := mdns.Discover(context.Background(), *timeout)
	duration := time.Since(start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(1)
	}

	if len(hosts) == 0 {
		fmt.Printf("No analyzers found (%s)\n", duration.Truncate(time.Millisecond))
		return
	}
	fmt.Printf("Discovered %d analyzer(s) in %s\n", len(hosts), duration.Truncate(time.Millisecond))
	fmt.Println("===============================================================")
	for i, h := range hosts {
		printHost(os.Stdout, i, h)
	}
}

func printHost(w io.Writer, i int, h mdns.Host) {
	fmt.Fprintf(w, " Analyzer #%d\n", i+1)
	fmt.Fprintln(w, "---------------------------------------------------------------")
	fmt.Fprintf(w, " Instance : %s\n", h.Instance)
	fmt.Fprintf(w, " Hostname : %s\n", h.Hostname)
	if session, ok := h.TXTValue("session"); ok {
		fmt.Fprintf(w, " Session  : %s\n", session)
	}
	if rate, ok := h.TXTValue("rate"); ok {
		fmt.Fprintf(w, " Rate     : %s S/s\n", rate)
	}

	fmt.Fprintln(w, " Endpoints:")
	if len(h.Addresses) == 0 {
		fmt.Fprintln(w, "   <none>")
	}
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			fmt.Fprintf(w, "   - http://%s:%d/api/inspectors\n", ip.String(), h.Port)
		} else {
			fmt.Fprintf(w, "   - http://[%s]:%d/api/inspectors\n", ip.String(), h.Port)
		}
	}
	fmt.Fprintln(w, "===============================================================")
}
