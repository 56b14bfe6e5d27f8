/*
Package duplex runs a bidirectional voice chat between two endpoints.

Concept

The session is a graph of stages split into two branches. The send
branch captures the microphone and transmits RTP packets:

    capture -> convert -> resample -> caps -> echo canceller ->
    encoder -> rtp payloader -> udp sink

The receive branch plays packets of the remote endpoint:

    udp source -> jitter buffer -> rtp depayloader -> decoder ->
    convert -> resample -> echo probe -> render

The echo canceller and the echo probe are coupled with the echo
reference: the probe keeps the last rendered samples and the canceller
subtracts their echo from the captured signal.

Every stage is described by a type in stage registry. Types declare
ports, parameters and a constructor of elements. The graph package links
stages and negotiates formats of links, the runtime starts elements and
runs every one of them in its own goroutine.

Lifecycle

Session is built from config, started and run:

    s, err := duplex.Build(duplex.DefaultConfig())
    if err != nil {
        return err
    }
    if err := s.Start(); err != nil {
        return err
    }
    err = s.Run(ctx)

Stages report end of stream, errors, warnings and state changes to the
bus. Run dispatches them one by one: end of stream, fatal error and stop
request tear the session down, so there is only one shutdown path.
Stop can be called from any goroutine.

Debugging

Set DUPLEX_DEBUG=true to enable debug logs and
DUPLEX_DEBUG_DUMP_DOT_DIR to the directory where the graph is dumped in
Graphviz format when the session is started.
*/
package duplex
